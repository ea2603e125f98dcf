package migration

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type seqUpdate struct {
	outer     uint64
	outerLast bool
	inner     uint64
	innerLast bool
}

// nestedSequence returns outers x inners updates in order.
func nestedSequence(outers, inners int) []seqUpdate {
	var out []seqUpdate
	for o := 0; o < outers; o++ {
		for i := 0; i < inners; i++ {
			out = append(out, seqUpdate{
				outer:     uint64(o),
				outerLast: o == outers-1,
				inner:     uint64(i),
				innerLast: i == inners-1,
			})
		}
	}
	return out
}

func TestDoubleSeqNum_SingleUpdate(t *testing.T) {
	d := NewDoubleSeqNum(&fakeClock{}, 0, nil)
	assert.True(t, d.Update(0, true, 0, true))
	assert.True(t, d.Completed())
}

func TestDoubleSeqNum_Nested(t *testing.T) {
	d := NewDoubleSeqNum(&fakeClock{}, 0, nil)
	seq := nestedSequence(6, 3)
	require.Len(t, seq, 18)

	for i, u := range seq {
		done := d.Update(u.outer, u.outerLast, u.inner, u.innerLast)
		if i < len(seq)-1 {
			require.False(t, done, "completed early at update %d", i)
		} else {
			require.True(t, done, "did not complete on final update")
		}
	}

	updates, maxOuter, maxInner := d.Progress()
	assert.Equal(t, 18, updates)
	assert.Equal(t, uint64(5), maxOuter)
	assert.Equal(t, uint64(2), maxInner)
}

func TestDoubleSeqNum_Permutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		outers := 1 + rng.Intn(6)
		inners := 1 + rng.Intn(5)
		seq := nestedSequence(outers, inners)
		rng.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })

		d := NewDoubleSeqNum(&fakeClock{}, 0, nil)
		for i, u := range seq {
			done := d.Update(u.outer, u.outerLast, u.inner, u.innerLast)
			require.Equal(t, i == len(seq)-1, done, "trial %d (%dx%d) update %d", trial, outers, inners, i)

			// Redelivery of something already seen never completes it.
			if i < len(seq)-1 && rng.Intn(3) == 0 {
				dup := seq[rng.Intn(i+1)]
				require.False(t, d.Update(dup.outer, dup.outerLast, dup.inner, dup.innerLast))
			}
		}
		require.True(t, d.Completed())
	}
}

func TestDoubleSeqNum_DuplicatesAfterCompletion(t *testing.T) {
	d := NewDoubleSeqNum(&fakeClock{}, 0, nil)
	require.False(t, d.Update(0, true, 0, false))
	require.True(t, d.Update(0, true, 1, true))
	assert.False(t, d.Update(0, true, 1, true))
	assert.True(t, d.Completed())
}

func TestDoubleSeqNum_GapNeverCompletes(t *testing.T) {
	d := NewDoubleSeqNum(&fakeClock{}, 0, nil)
	assert.False(t, d.Update(0, false, 0, true))
	// Outer 1 is missing.
	assert.False(t, d.Update(2, true, 0, false))
	assert.False(t, d.Update(2, true, 1, true))
	assert.False(t, d.Completed())
}

func TestDoubleSeqNum_ConcurrentProducers(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		seq := nestedSequence(8, 4)
		rand.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })

		d := NewDoubleSeqNum(&fakeClock{}, 0, nil)
		var completions atomic.Int32
		var wg sync.WaitGroup
		half := len(seq) / 2
		for _, part := range [][]seqUpdate{seq[:half], seq[half:]} {
			wg.Add(1)
			go func(part []seqUpdate) {
				defer wg.Done()
				for _, u := range part {
					if d.Update(u.outer, u.outerLast, u.inner, u.innerLast) {
						completions.Add(1)
					}
				}
			}(part)
		}
		wg.Wait()

		require.Equal(t, int32(1), completions.Load())
		require.True(t, d.Completed())
	}
}

func TestDoubleSeqNum_TimeoutFiresOnce(t *testing.T) {
	clock := &fakeClock{}
	var fired atomic.Int32
	d := NewDoubleSeqNum(clock, time.Second, func() { fired.Add(1) })

	d.Update(0, false, 0, true)
	d.Update(1, false, 0, false)

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, d.TimedOut())

	// Further updates and time do not fire it again.
	d.Update(1, false, 1, true)
	clock.Advance(10 * time.Second)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDoubleSeqNum_UpdateRearmsDeadline(t *testing.T) {
	clock := &fakeClock{}
	var fired atomic.Int32
	d := NewDoubleSeqNum(clock, time.Second, func() { fired.Add(1) })

	d.Start()
	for i := 0; i < 5; i++ {
		clock.Advance(800 * time.Millisecond)
		d.Update(uint64(i), false, 0, true)
	}
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Second)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDoubleSeqNum_StartWithoutUpdates(t *testing.T) {
	clock := &fakeClock{}
	var fired atomic.Int32
	d := NewDoubleSeqNum(clock, time.Second, func() { fired.Add(1) })

	d.Start()
	clock.Advance(2 * time.Second)
	assert.Equal(t, int32(1), fired.Load())
}

func TestDoubleSeqNum_NoTimeoutAfterCompletion(t *testing.T) {
	const deadline = 50 * time.Millisecond
	var fired atomic.Int32
	d := NewDoubleSeqNum(SystemClock, deadline, func() { fired.Add(1) })

	for _, u := range nestedSequence(3, 2) {
		d.Update(u.outer, u.outerLast, u.inner, u.innerLast)
	}
	require.True(t, d.Completed())

	time.Sleep(2 * deadline)
	assert.Equal(t, int32(0), fired.Load())
}

func TestDoubleSeqNum_ResetReuse(t *testing.T) {
	clock := &fakeClock{}
	var fired atomic.Int32
	d := NewDoubleSeqNum(clock, time.Second, func() { fired.Add(1) })

	for round := 0; round < 2; round++ {
		seq := nestedSequence(2, 3)
		for i, u := range seq {
			done := d.Update(u.outer, u.outerLast, u.inner, u.innerLast)
			require.Equal(t, i == len(seq)-1, done, "round %d update %d", round, i)
		}
		require.True(t, d.Completed())
		d.Reset()
		require.False(t, d.Completed())
		updates, _, _ := d.Progress()
		require.Equal(t, 0, updates)
	}

	// A reset tracker that timed out can time out again.
	d.Update(0, false, 0, true)
	clock.Advance(2 * time.Second)
	require.Equal(t, int32(1), fired.Load())
	d.Reset()
	d.Update(0, false, 0, true)
	clock.Advance(2 * time.Second)
	require.Equal(t, int32(2), fired.Load())
}

func TestDoubleSeqNum_StopDisarms(t *testing.T) {
	clock := &fakeClock{}
	var fired atomic.Int32
	d := NewDoubleSeqNum(clock, time.Second, func() { fired.Add(1) })

	d.Update(0, false, 0, false)
	d.Stop()
	clock.Advance(5 * time.Second)
	d.Update(1, false, 0, false)
	clock.Advance(5 * time.Second)
	assert.Equal(t, int32(0), fired.Load())
}
