package migration

import (
	"sync"
	"time"
)

// Clock creates the timers used for sequence deadlines.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall-clock timer service.
var SystemClock Clock = realClock{}

// DoubleSeqNum tracks completion of a two-level counted sequence. The outer
// counter numbers filter chunks of a round, the inner counter numbers delta
// set batches answering one chunk. Each side announces its final value by
// tagging it last. Updates may arrive in any order and more than once.
//
// The sequence is complete once the final outer value is known and, for
// every outer value up to it, the final inner value is known and every inner
// value up to that was seen. Completion is reported exactly once.
//
// Every update re-arms a deadline. If it passes with the sequence still
// incomplete, the timeout callback runs once.
type DoubleSeqNum struct {
	clock     Clock
	timeout   time.Duration
	onTimeout func()

	mu    sync.Mutex
	timer Timer
	gen   uint64
	fired bool
	dead  bool

	outerFinal    uint64
	hasOuterFinal bool
	inner         map[uint64]*innerSeq
	completed     bool

	updates  int
	maxOuter uint64
	maxInner uint64
}

type innerSeq struct {
	seen     map[uint64]struct{}
	final    uint64
	hasFinal bool
	done     bool
}

// NewDoubleSeqNum creates a tracker. A zero timeout disables the deadline.
func NewDoubleSeqNum(clock Clock, timeout time.Duration, onTimeout func()) *DoubleSeqNum {
	if clock == nil {
		clock = SystemClock
	}
	return &DoubleSeqNum{
		clock:     clock,
		timeout:   timeout,
		onTimeout: onTimeout,
		inner:     make(map[uint64]*innerSeq),
	}
}

// Start arms the deadline without recording an update, so a producer that
// never sends anything is also caught.
func (d *DoubleSeqNum) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.completed {
		d.armLocked()
	}
}

// Update records one (outer, inner) pair. It returns true for the one
// update that completes the sequence and false otherwise, including for
// updates arriving after completion.
func (d *DoubleSeqNum) Update(outer uint64, outerLast bool, inner uint64, innerLast bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.completed {
		return false
	}
	d.updates++
	if outer > d.maxOuter {
		d.maxOuter = outer
	}
	if inner > d.maxInner {
		d.maxInner = inner
	}

	if outerLast {
		d.outerFinal = outer
		d.hasOuterFinal = true
	}

	s, ok := d.inner[outer]
	if !ok {
		s = &innerSeq{seen: make(map[uint64]struct{})}
		d.inner[outer] = s
	}
	s.seen[inner] = struct{}{}
	if innerLast {
		s.final = inner
		s.hasFinal = true
	}
	if !s.done && s.hasFinal && uint64(len(s.seen)) >= s.final+1 {
		s.done = true
		for i := uint64(0); i <= s.final; i++ {
			if _, ok := s.seen[i]; !ok {
				s.done = false
				break
			}
		}
	}

	if d.hasOuterFinal && s.done && d.allOutersDoneLocked() {
		d.completed = true
		d.disarmLocked()
		return true
	}

	d.armLocked()
	return false
}

func (d *DoubleSeqNum) allOutersDoneLocked() bool {
	if uint64(len(d.inner)) < d.outerFinal+1 {
		return false
	}
	for o := uint64(0); o <= d.outerFinal; o++ {
		s, ok := d.inner[o]
		if !ok || !s.done {
			return false
		}
	}
	return true
}

// Completed reports whether the sequence has completed.
func (d *DoubleSeqNum) Completed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// TimedOut reports whether the timeout callback has run.
func (d *DoubleSeqNum) TimedOut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Progress returns the number of updates and the highest values seen.
func (d *DoubleSeqNum) Progress() (updates int, maxOuter, maxInner uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates, d.maxOuter, d.maxInner
}

// Reset clears all recorded state and the deadline so the tracker can be
// reused for another sequence.
func (d *DoubleSeqNum) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disarmLocked()
	d.fired = false
	d.outerFinal = 0
	d.hasOuterFinal = false
	d.inner = make(map[uint64]*innerSeq)
	d.completed = false
	d.updates = 0
	d.maxOuter = 0
	d.maxInner = 0
}

// Stop disarms the deadline for good. The tracker keeps answering queries.
func (d *DoubleSeqNum) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disarmLocked()
	d.dead = true
}

func (d *DoubleSeqNum) armLocked() {
	if d.timeout <= 0 || d.fired || d.dead {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.timeout, func() { d.expire(gen) })
}

func (d *DoubleSeqNum) disarmLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Invalidates a callback that already started running.
	d.gen++
}

func (d *DoubleSeqNum) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.completed || d.fired || d.dead {
		d.mu.Unlock()
		return
	}
	d.fired = true
	d.timer = nil
	cb := d.onTimeout
	d.mu.Unlock()

	if cb != nil {
		cb()
	}
}
