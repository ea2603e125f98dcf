package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "smnode"
)

var (
	// CommandsTotal counts object IO commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed",
		},
		[]string{"cmd", "status"}, // cmd: put/get/del/migmsg, status: success/error
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// ConnectionsTotal tracks active connections
	ConnectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of client connections",
		},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// OpenSnapshots tracks store snapshots held by migration
	OpenSnapshots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_snapshots",
			Help:      "Number of store snapshots not yet released",
		},
	)

	// MigrationState is 1 for the manager's current state
	MigrationState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_state",
			Help:      "Token migration manager state",
		},
		[]string{"state"}, // idle/in_progress/aborted
	)

	// MigrationCampaigns counts finished campaigns
	MigrationCampaigns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_campaigns_total",
			Help:      "Total number of finished migration campaigns",
		},
		[]string{"result"}, // success/error
	)

	// MigrationTokens counts migrated tokens
	MigrationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_tokens_total",
			Help:      "Total number of tokens migrated in",
		},
		[]string{"result"},
	)

	// ActiveExecutors tracks running executors (destination side)
	ActiveExecutors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_active_executors",
			Help:      "Number of running migration executors",
		},
	)

	// ActiveClients tracks running clients (source side)
	ActiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_active_clients",
			Help:      "Number of running migration clients",
		},
	)

	// DeltaSets counts delta set batches
	DeltaSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_delta_sets_total",
			Help:      "Total number of delta set batches",
		},
		[]string{"direction", "round"}, // direction: sent/received
	)

	// ObjectsApplied counts objects written by migration or forwarding
	ObjectsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_objects_applied_total",
			Help:      "Total number of migrated objects applied to the store",
		},
		[]string{"source"}, // delta/forward
	)

	// ForwardedWrites counts writes mirrored to a new owner
	ForwardedWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_forwarded_writes_total",
			Help:      "Total number of writes forwarded to the new token owner",
		},
	)

	// SequenceTimeouts counts delta set sequences that stalled
	SequenceTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_sequence_timeouts_total",
			Help:      "Total number of delta set sequence timeouts",
		},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Storage node info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
