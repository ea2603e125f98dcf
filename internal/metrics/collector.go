package metrics

import (
	"runtime"
	"strconv"
	"time"
)

// SnapshotCounter reports how many store snapshots are open.
type SnapshotCounter interface {
	OpenSnapshots() int64
}

// Collector collects custom metrics
type Collector struct {
	startTime time.Time
	snapshots SnapshotCounter
}

// NewCollector creates a collector. snapshots may be nil.
func NewCollector(snapshots SnapshotCounter) *Collector {
	return &Collector{
		startTime: time.Now(),
		snapshots: snapshots,
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
	if c.snapshots != nil {
		OpenSnapshots.Set(float64(c.snapshots.OpenSnapshots()))
	}
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommand records command execution
func RecordCommand(cmd string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordConnection records connection count change
func RecordConnection(delta int) {
	ConnectionsTotal.Add(float64(delta))
}

// SetMigrationState marks state as the only active manager state.
func SetMigrationState(state string) {
	for _, s := range []string{"idle", "in_progress", "aborted"} {
		v := 0.0
		if s == state {
			v = 1
		}
		MigrationState.WithLabelValues(s).Set(v)
	}
}

// RecordCampaign records the end of a migration campaign
func RecordCampaign(success bool) {
	MigrationCampaigns.WithLabelValues(result(success)).Inc()
}

// RecordToken records the end of one token's migration
func RecordToken(success bool) {
	MigrationTokens.WithLabelValues(result(success)).Inc()
}

// RecordDeltaSet records one delta set batch
func RecordDeltaSet(direction string, round int) {
	DeltaSets.WithLabelValues(direction, strconv.Itoa(round)).Inc()
}

// RecordApplied records objects written by migration
func RecordApplied(source string, n int) {
	if n > 0 {
		ObjectsApplied.WithLabelValues(source).Add(float64(n))
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
