package migration

import (
	"time"

	"github.com/go-logr/logr"
)

// Config holds migration tuning knobs shared by executors and clients.
type Config struct {
	// NodeID is this node's id in the placement table.
	NodeID string

	// FilterChunkSize is the number of (id, version) entries per filter set
	// message sent by an executor.
	FilterChunkSize int

	// DeltaBatchSize bounds the number of objects in one delta set.
	DeltaBatchSize int

	// MaxInflightBatches bounds unacknowledged delta sets (and filter chunks)
	// per client (executor).
	MaxInflightBatches int

	// Rounds is 2 for snapshot plus gap-window catch-up, or 1 when the
	// source enables forwarding before taking its snapshot.
	Rounds int

	// SequenceTimeout is the no-progress deadline of a delta set sequence.
	SequenceTimeout time.Duration

	// SendTimeout bounds one transport send.
	SendTimeout time.Duration

	// ImportFilterCapacity sizes the per-token filter of applied object ids.
	ImportFilterCapacity uint

	// Clock is used for sequence deadlines.
	Clock Clock

	Logger logr.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FilterChunkSize:      1024,
		DeltaBatchSize:       64,
		MaxInflightBatches:   4,
		Rounds:               2,
		SequenceTimeout:      30 * time.Second,
		SendTimeout:          5 * time.Second,
		ImportFilterCapacity: 1 << 16,
		Clock:                SystemClock,
		Logger:               logr.Discard(),
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.FilterChunkSize <= 0 {
		out.FilterChunkSize = d.FilterChunkSize
	}
	if out.DeltaBatchSize <= 0 {
		out.DeltaBatchSize = d.DeltaBatchSize
	}
	if out.MaxInflightBatches <= 0 {
		out.MaxInflightBatches = d.MaxInflightBatches
	}
	if out.Rounds != 1 {
		out.Rounds = 2
	}
	if out.SequenceTimeout < 0 {
		out.SequenceTimeout = 0
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = d.SendTimeout
	}
	if out.ImportFilterCapacity == 0 {
		out.ImportFilterCapacity = d.ImportFilterCapacity
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	if out.Logger.GetSink() == nil {
		out.Logger = d.Logger
	}
	return &out
}
