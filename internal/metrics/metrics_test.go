package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSnapshots int64

func (f fakeSnapshots) OpenSnapshots() int64 { return int64(f) }

func TestMetricsRecording(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("put", "success"))
	RecordCommand("put", 10*time.Millisecond, true)
	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("put", "success")); got != before+1 {
		t.Errorf("commands_total = %v, want %v", got, before+1)
	}

	RecordConnection(1)
	RecordConnection(-1)

	c := NewCollector(fakeSnapshots(3))
	c.Collect()
	if got := testutil.ToFloat64(OpenSnapshots); got != 3 {
		t.Errorf("open_snapshots = %v, want 3", got)
	}
}

func TestSetMigrationState(t *testing.T) {
	SetMigrationState("in_progress")
	if got := testutil.ToFloat64(MigrationState.WithLabelValues("in_progress")); got != 1 {
		t.Errorf("in_progress = %v, want 1", got)
	}
	if got := testutil.ToFloat64(MigrationState.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle = %v, want 0", got)
	}
	SetMigrationState("idle")
}

func TestRecordApplied(t *testing.T) {
	before := testutil.ToFloat64(ObjectsApplied.WithLabelValues("delta"))
	RecordApplied("delta", 0)
	RecordApplied("delta", 5)
	if got := testutil.ToFloat64(ObjectsApplied.WithLabelValues("delta")); got != before+5 {
		t.Errorf("objects_applied = %v, want %v", got, before+5)
	}
}
