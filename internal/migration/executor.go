package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/vinaypunrao68/fds-src-sub013/internal/metrics"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// ExecutorState is the destination-side progress of one (token, source)
// migration.
type ExecutorState int

const (
	ExecutorInit ExecutorState = iota
	ExecutorSnapshotRequested
	ExecutorRound1Streaming
	ExecutorRound1Applied
	ExecutorRound2Streaming
	ExecutorDone
	ExecutorFailed
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorInit:
		return "init"
	case ExecutorSnapshotRequested:
		return "snapshot_requested"
	case ExecutorRound1Streaming:
		return "round1_streaming"
	case ExecutorRound1Applied:
		return "round1_applied"
	case ExecutorRound2Streaming:
		return "round2_streaming"
	case ExecutorDone:
		return "done"
	case ExecutorFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Done or Failed.
func (s ExecutorState) Terminal() bool {
	return s == ExecutorDone || s == ExecutorFailed
}

// ExecutorStatus is a point-in-time copy of an executor's progress.
type ExecutorStatus struct {
	ID      ExecutorID
	Token   placement.Token
	Source  string
	State   ExecutorState
	Objects int64
	Err     error
}

type execEventKind int

const (
	execStart execEventKind = iota
	execFilterAck
	execDelta
	execTimeout
)

type execEvent struct {
	kind execEventKind
	msg  *Message
}

// Executor pulls one token from one source node into the local store. It
// sends the source what it already holds, applies the delta sets that come
// back, and asks for the gap window once round 1 is complete.
//
// All fields below the inbox are owned by the run goroutine.
type Executor struct {
	id      ExecutorID
	token   placement.Token
	source  string
	version placement.Version
	bits    uint

	cfg       *Config
	local     *SnapshotSource
	store     ObjectStore
	imports   *ImportFilter
	transport Transport
	results   chan<- result
	stopped   <-chan struct{}
	log       logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan execEvent
	done   chan struct{}

	statusMu sync.Mutex
	status   ExecutorStatus

	tracker  *DoubleSeqNum
	round    int
	chunks   []*FilterSet
	next     int
	acked    map[uint64]struct{}
	inflight int
}

func newExecutor(m *Manager, id ExecutorID, token placement.Token, source string, imports *ImportFilter) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		id:        id,
		token:     token,
		source:    source,
		version:   m.targetVersion,
		bits:      m.bits,
		cfg:       m.cfg,
		local:     m.source,
		store:     m.store,
		imports:   imports,
		transport: m.transport,
		results:   m.results,
		stopped:   m.stopCh,
		log:       m.log.WithName("executor").WithValues("executor", id, "token", token, "source", source),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan execEvent, 64),
		done:      make(chan struct{}),
		acked:     make(map[uint64]struct{}),
		status:    ExecutorStatus{ID: id, Token: token, Source: source},
	}
	e.tracker = NewDoubleSeqNum(m.cfg.Clock, m.cfg.SequenceTimeout, func() {
		_ = e.post(execEvent{kind: execTimeout})
	})
	return e
}

// Start begins the migration.
func (e *Executor) Start() {
	metrics.ActiveExecutors.Inc()
	go e.run()
	_ = e.post(execEvent{kind: execStart})
}

// Abort stops the executor without reporting to the manager.
func (e *Executor) Abort() {
	e.cancel()
}

// Status returns a copy of the executor's progress.
func (e *Executor) Status() ExecutorStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *Executor) state() ExecutorState {
	return e.Status().State
}

func (e *Executor) setState(s ExecutorState) {
	e.statusMu.Lock()
	e.status.State = s
	e.statusMu.Unlock()
	e.log.V(1).Info("state", "state", s)
}

func (e *Executor) post(ev execEvent) error {
	select {
	case e.inbox <- ev:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("executor %s: %w", e.id, apperrors.ErrAborted)
	}
}

func (e *Executor) run() {
	defer close(e.done)
	defer metrics.ActiveExecutors.Dec()
	defer e.tracker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			if !e.state().Terminal() {
				e.setFailed(apperrors.ErrAborted)
				e.notifySource(MsgAbortClient)
			}
			return
		case ev := <-e.inbox:
			if err := e.handle(ev); err != nil {
				e.fail(err)
				return
			}
			if e.state() == ExecutorDone {
				e.finish()
				return
			}
		}
	}
}

func (e *Executor) handle(ev execEvent) error {
	switch ev.kind {
	case execStart:
		return e.handleStart()
	case execFilterAck:
		return e.handleFilterAck(ev.msg)
	case execDelta:
		return e.handleDelta(ev.msg)
	case execTimeout:
		if e.tracker.Completed() || e.state().Terminal() {
			return nil
		}
		metrics.SequenceTimeouts.Inc()
		updates, fseq, seq := e.tracker.Progress()
		return fmt.Errorf("round %d after %d batches (fseq %d, seq %d): %w: %w",
			e.round, updates, fseq, seq, apperrors.ErrTransportFailure, apperrors.ErrSequenceTimeout)
	}
	return nil
}

func (e *Executor) handleStart() error {
	if e.state() != ExecutorInit {
		return nil
	}
	e.setState(ExecutorSnapshotRequested)

	snap, err := e.local.Take(e.token)
	if err != nil {
		return err
	}
	known, err := snap.KnownSet(e.ctx)
	snap.Release()
	if err != nil {
		return fmt.Errorf("build filter set: %w", err)
	}
	e.chunks = chunkFilter(known, e.cfg.FilterChunkSize, e.cfg.Rounds == 1)
	e.log.Info("starting round 1", "known", len(known), "chunks", len(e.chunks))

	e.round = 1
	e.setState(ExecutorRound1Streaming)
	e.tracker.Reset()
	e.tracker.Start()
	return e.sendChunks()
}

// sendChunks sends filter chunks while fewer than MaxInflightBatches are
// unacknowledged.
func (e *Executor) sendChunks() error {
	for e.next < len(e.chunks) && e.inflight < e.cfg.MaxInflightBatches {
		msg := e.message(MsgStartRebalance)
		msg.Filter = e.chunks[e.next]
		if err := e.send(msg); err != nil {
			return err
		}
		e.next++
		e.inflight++
	}
	return nil
}

func (e *Executor) handleFilterAck(msg *Message) error {
	if msg.Ack == nil || e.round != 1 {
		return nil
	}
	if _, dup := e.acked[msg.Ack.FilterSeq]; dup {
		return nil
	}
	e.acked[msg.Ack.FilterSeq] = struct{}{}
	e.inflight--
	e.tracker.Start()
	return e.sendChunks()
}

func (e *Executor) handleDelta(msg *Message) error {
	if msg.Err != "" {
		return fmt.Errorf("source %s: %s: %w", e.source, msg.Err, apperrors.ErrTransportFailure)
	}
	d := msg.Delta
	if d == nil {
		return nil
	}
	if (e.state() != ExecutorRound1Streaming && e.state() != ExecutorRound2Streaming) || d.Round != e.round {
		e.log.V(1).Info("discarding delta set", "round", d.Round, "state", e.state())
		return nil
	}

	applied := 0
	for _, entry := range d.Entries {
		ok, err := e.store.Apply(e.ctx, entry.object())
		if err != nil {
			return fmt.Errorf("apply delta set: %w", err)
		}
		if ok {
			applied++
		}
		e.imports.Insert(entry.ID)
	}
	metrics.RecordDeltaSet("received", d.Round)
	metrics.RecordApplied("delta", applied)
	e.statusMu.Lock()
	e.status.Objects += int64(applied)
	e.statusMu.Unlock()

	ack := e.message(MsgDeltaSetResp)
	ack.Ack = &Ack{Round: d.Round, FilterSeq: d.FilterSeq, Seq: d.Seq}
	if err := e.send(ack); err != nil {
		return err
	}

	if !e.tracker.Update(d.FilterSeq, d.FilterLast, d.Seq, d.SeqLast) {
		return nil
	}

	if d.LastRound {
		e.log.Info("migration complete", "objects", e.Status().Objects)
		e.setState(ExecutorDone)
		return nil
	}

	e.setState(ExecutorRound1Applied)
	e.round = 2
	e.tracker.Reset()
	if err := e.send(e.message(MsgSecondRound)); err != nil {
		return err
	}
	e.setState(ExecutorRound2Streaming)
	e.tracker.Start()
	e.log.Info("round 1 applied, requested round 2", "objects", e.Status().Objects)
	return nil
}

func (e *Executor) message(t MsgType) *Message {
	return &Message{
		Type:         t,
		ExecutorID:   e.id,
		Token:        e.token,
		Version:      e.version,
		BitsPerToken: e.bits,
		From:         e.cfg.NodeID,
	}
}

func (e *Executor) send(msg *Message) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SendTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, e.source, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w: %w", msg.Type, e.source, apperrors.ErrTransportFailure, err)
	}
	return nil
}

// notifySource sends a best-effort terminal notice to the source. It does
// not use the executor's context, which may already be cancelled.
func (e *Executor) notifySource(t MsgType) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, e.source, e.message(t)); err != nil {
		e.log.V(1).Info("notice not delivered", "msg", t, "err", err)
	}
}

func (e *Executor) setFailed(err error) {
	e.statusMu.Lock()
	e.status.State = ExecutorFailed
	e.status.Err = err
	e.statusMu.Unlock()
}

func (e *Executor) fail(err error) {
	e.tracker.Stop()
	if e.ctx.Err() != nil {
		// Aborted by the manager, which no longer waits for a result.
		e.setFailed(apperrors.ErrAborted)
		e.notifySource(MsgAbortClient)
		return
	}
	e.setFailed(err)
	e.log.Error(err, "migration executor failed")
	e.notifySource(MsgAbortClient)
	e.report(err)
}

func (e *Executor) finish() {
	e.tracker.Stop()
	e.notifySource(MsgFinishClient)
	e.report(nil)
}

func (e *Executor) report(err error) {
	r := result{
		kind:    executorResult,
		id:      e.id,
		token:   e.token,
		objects: e.Status().Objects,
		err:     err,
	}
	select {
	case e.results <- r:
	case <-e.stopped:
	}
	e.cancel()
}
