package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/vinaypunrao68/fds-src-sub013/internal/metrics"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// ClientState is the source-side progress of one executor's migration.
type ClientState int

const (
	ClientRound1 ClientState = iota
	ClientRound1Sent
	ClientRound2
	ClientForwarding
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientRound1:
		return "round1"
	case ClientRound1Sent:
		return "round1_sent"
	case ClientRound2:
		return "round2"
	case ClientForwarding:
		return "forwarding"
	case ClientFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type clientEventKind int

const (
	clientFilterChunk clientEventKind = iota
	clientSecondRound
	clientFinish
)

type clientEvent struct {
	kind   clientEventKind
	filter *FilterSet
}

// Client serves one remote executor from this node's data: it answers filter
// chunks with delta sets, streams the gap window in round 2, and mirrors
// writes while forwarding is on for its token.
//
// All fields below the inbox are owned by the run goroutine.
type Client struct {
	id      ExecutorID
	token   placement.Token
	dest    string
	version placement.Version

	cfg       *Config
	source    *SnapshotSource
	transport Transport
	results   chan<- result
	stopped   <-chan struct{}
	log       logr.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan clientEvent
	credits chan struct{}
	fwdSig  chan struct{}
	idleSig chan struct{}
	done    chan struct{}

	// idle is the deadline for the next word from the executor. Acks re-arm
	// it; it stops once the executor has finished.
	idle *DoubleSeqNum

	fwdMu  sync.Mutex
	fwdBuf []DeltaSetEntry

	statusMu sync.Mutex
	state    ClientState

	snap        *TokenSnapshot
	singleRound bool
	chunks      map[uint64]struct{}
	lastChunk   uint64
	haveLast    bool
	finished    bool
}

func newClient(m *Manager, id ExecutorID, token placement.Token, dest string, version placement.Version) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:        id,
		token:     token,
		dest:      dest,
		version:   version,
		cfg:       m.cfg,
		source:    m.source,
		transport: m.transport,
		results:   m.results,
		stopped:   m.stopCh,
		log:       m.log.WithName("client").WithValues("executor", id, "token", token, "dest", dest),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan clientEvent, 64),
		credits:   make(chan struct{}, m.cfg.MaxInflightBatches),
		fwdSig:    make(chan struct{}, 1),
		idleSig:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		chunks:    make(map[uint64]struct{}),
	}
	c.idle = NewDoubleSeqNum(m.cfg.Clock, m.cfg.SequenceTimeout, func() {
		select {
		case c.idleSig <- struct{}{}:
		default:
		}
	})
	for i := 0; i < m.cfg.MaxInflightBatches; i++ {
		c.credits <- struct{}{}
	}
	return c
}

func (c *Client) start() {
	metrics.ActiveClients.Inc()
	go c.run()
}

// State returns the client's progress.
func (c *Client) State() ClientState {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.statusMu.Lock()
	c.state = s
	c.statusMu.Unlock()
}

func (c *Client) post(ev clientEvent) error {
	select {
	case c.inbox <- ev:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("client %s: %w", c.id, apperrors.ErrAborted)
	}
}

// release returns one window credit. Duplicate acks cannot grow the window
// past its size.
func (c *Client) release() {
	c.idle.Start()
	select {
	case c.credits <- struct{}{}:
	default:
	}
}

// Forward queues a write for the destination.
func (c *Client) Forward(e DeltaSetEntry) {
	c.fwdMu.Lock()
	c.fwdBuf = append(c.fwdBuf, e)
	c.fwdMu.Unlock()

	select {
	case c.fwdSig <- struct{}{}:
	default:
	}
}

// Abort stops the client and releases its snapshot. It does not wait.
func (c *Client) Abort() {
	c.cancel()
}

func (c *Client) run() {
	defer close(c.done)
	defer metrics.ActiveClients.Dec()
	defer c.releaseSnapshot()
	defer c.idle.Stop()

	c.idle.Start()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.inbox:
			if err := c.handle(ev); err != nil {
				c.fail(err)
				return
			}
			c.idle.Reset()
			c.idle.Start()
		case <-c.idleSig:
			// A signal from before the last re-arm is stale.
			if c.finished || !c.idle.TimedOut() {
				continue
			}
			if c.State() == ClientForwarding && len(c.credits) == cap(c.credits) {
				// Every delta set was acked, so only the finish notice is
				// missing. Keep forwarding until the table is closed.
				c.finished = true
				c.idle.Stop()
				c.releaseSnapshot()
				c.log.Info("executor silent after acking every delta set, snapshot released")
				continue
			}
			c.fail(fmt.Errorf("no message from executor in %s (state %s): %w",
				c.cfg.SequenceTimeout, c.State(), apperrors.ErrSequenceTimeout))
			return
		case <-c.fwdSig:
			if !c.forwardingLive() {
				continue
			}
			if err := c.flushForwards(); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Client) handle(ev clientEvent) error {
	switch ev.kind {
	case clientFilterChunk:
		return c.handleFilter(ev.filter)
	case clientSecondRound:
		return c.handleSecondRound()
	case clientFinish:
		c.finished = true
		c.idle.Stop()
		c.releaseSnapshot()
		c.log.V(1).Info("executor finished, snapshot released")
	}
	return nil
}

// forwardingLive reports whether queued writes go straight out. In two-round
// mode they wait for round 2 to drain them.
func (c *Client) forwardingLive() bool {
	s := c.State()
	return s == ClientForwarding || (c.singleRound && s != ClientFailed)
}

func (c *Client) handleFilter(f *FilterSet) error {
	if f == nil {
		return nil
	}
	if _, dup := c.chunks[f.Seq]; dup {
		c.log.V(1).Info("duplicate filter chunk", "seq", f.Seq)
		return c.ackFilter(f.Seq)
	}
	if c.State() != ClientRound1 {
		return nil
	}

	if c.snap == nil {
		c.singleRound = f.SingleRound
		snap, err := c.source.Take(c.token)
		if err != nil {
			return err
		}
		c.snap = snap
		c.log.Info("snapshot taken", "readTs", snap.ReadTs(), "singleRound", c.singleRound)
	}

	if err := c.ackFilter(f.Seq); err != nil {
		return err
	}

	b := newBatcher(c.cfg.DeltaBatchSize, func(entries []DeltaSetEntry, seq uint64, last bool) error {
		return c.sendDelta(&DeltaSet{
			Round:      1,
			FilterSeq:  f.Seq,
			FilterLast: f.Last,
			Seq:        seq,
			SeqLast:    last,
			LastRound:  c.singleRound,
			Entries:    entries,
		})
	})
	err := c.snap.Diff(c.ctx, f, func(obj store.Object) error {
		return b.add(entryFromObject(obj))
	})
	if err != nil {
		return fmt.Errorf("round 1 chunk %d: %w", f.Seq, err)
	}
	if err := b.finish(); err != nil {
		return err
	}

	c.chunks[f.Seq] = struct{}{}
	if f.Last {
		c.lastChunk = f.Seq
		c.haveLast = true
	}
	if c.haveLast && uint64(len(c.chunks)) == c.lastChunk+1 {
		if c.singleRound {
			c.setState(ClientForwarding)
		} else {
			c.setState(ClientRound1Sent)
		}
		c.log.Info("round 1 sent", "chunks", len(c.chunks))
	}
	return nil
}

func (c *Client) handleSecondRound() error {
	switch c.State() {
	case ClientRound1Sent:
	case ClientRound2, ClientForwarding:
		c.log.V(1).Info("duplicate second round request")
		return nil
	default:
		return fmt.Errorf("second round requested in state %s: %w", c.State(), apperrors.ErrInvalidStateTransition)
	}
	if c.snap == nil {
		return fmt.Errorf("second round without snapshot: %w", apperrors.ErrSnapshotUnavailable)
	}
	c.setState(ClientRound2)

	latest := make(map[string]DeltaSetEntry)
	merge := func(e DeltaSetEntry) {
		if cur, ok := latest[e.ID]; !ok || e.Meta.Version > cur.Meta.Version {
			latest[e.ID] = e
		}
	}
	err := c.snap.Changes(c.ctx, func(obj store.Object) error {
		merge(entryFromObject(obj))
		return nil
	})
	if err != nil {
		return fmt.Errorf("round 2 scan: %w", err)
	}
	for _, e := range c.takeForwards() {
		merge(e)
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b := newBatcher(c.cfg.DeltaBatchSize, func(entries []DeltaSetEntry, seq uint64, last bool) error {
		return c.sendDelta(&DeltaSet{
			Round:      2,
			FilterSeq:  0,
			FilterLast: true,
			Seq:        seq,
			SeqLast:    last,
			LastRound:  true,
			Entries:    entries,
		})
	})
	for _, id := range ids {
		if err := b.add(latest[id]); err != nil {
			return err
		}
	}
	if err := b.finish(); err != nil {
		return err
	}

	c.setState(ClientForwarding)
	c.log.Info("round 2 sent", "objects", len(ids))
	return c.flushForwards()
}

func (c *Client) takeForwards() []DeltaSetEntry {
	c.fwdMu.Lock()
	defer c.fwdMu.Unlock()
	out := c.fwdBuf
	c.fwdBuf = nil
	return out
}

func (c *Client) flushForwards() error {
	pending := c.takeForwards()
	for len(pending) > 0 {
		n := min(len(pending), c.cfg.DeltaBatchSize)
		msg := c.message(MsgForwardedWrites)
		msg.Delta = &DeltaSet{Entries: pending[:n]}
		if err := c.send(msg); err != nil {
			// Keep what was not delivered for the failure report.
			c.fwdMu.Lock()
			c.fwdBuf = append(pending, c.fwdBuf...)
			c.fwdMu.Unlock()
			return err
		}
		metrics.ForwardedWrites.Add(float64(n))
		pending = pending[n:]
	}
	return nil
}

func (c *Client) ackFilter(seq uint64) error {
	msg := c.message(MsgStartRebalanceResp)
	msg.Ack = &Ack{Round: 1, FilterSeq: seq}
	return c.send(msg)
}

func (c *Client) sendDelta(d *DeltaSet) error {
	if err := c.acquire(); err != nil {
		return err
	}
	msg := c.message(MsgDeltaSet)
	msg.Delta = d
	if err := c.send(msg); err != nil {
		return err
	}
	metrics.RecordDeltaSet("sent", d.Round)
	c.log.V(1).Info("delta set sent", "round", d.Round, "fseq", d.FilterSeq, "seq", d.Seq, "objects", len(d.Entries), "last", d.LastInRound())
	return nil
}

// acquire takes a window credit, waiting for an ack when the window is full.
func (c *Client) acquire() error {
	var timeout chan struct{}
	if c.cfg.SequenceTimeout > 0 {
		timeout = make(chan struct{})
		t := c.cfg.Clock.AfterFunc(c.cfg.SequenceTimeout, func() { close(timeout) })
		defer t.Stop()
	}
	select {
	case <-c.credits:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("client %s: %w", c.id, apperrors.ErrAborted)
	case <-timeout:
		return fmt.Errorf("waiting for delta set ack: %w", apperrors.ErrSequenceTimeout)
	}
}

func (c *Client) message(t MsgType) *Message {
	return &Message{
		Type:         t,
		ExecutorID:   c.id,
		Token:        c.token,
		Version:      c.version,
		BitsPerToken: c.source.store.BitsPerToken(),
		From:         c.cfg.NodeID,
	}
}

func (c *Client) send(msg *Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, c.dest, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w: %w", msg.Type, c.dest, apperrors.ErrTransportFailure, err)
	}
	return nil
}

func (c *Client) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.setState(ClientFailed)
	c.log.Error(err, "migration client failed")

	// Tell the executor so it fails now instead of at its deadline.
	msg := c.message(MsgDeltaSet)
	msg.Err = err.Error()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	if serr := c.transport.Send(ctx, c.dest, msg); serr != nil {
		c.log.V(1).Info("failure notice not delivered", "err", serr)
	}
	cancel()

	select {
	case c.results <- result{kind: clientResult, id: c.id, token: c.token, err: err}:
	case <-c.stopped:
	}
}

func (c *Client) releaseSnapshot() {
	if c.snap != nil {
		c.snap.Release()
		c.snap = nil
	}
}

// batcher groups entries into delta sets of at most size entries. It holds
// one full batch back so the final batch can be tagged last; a sequence
// with no entries still produces one empty final batch.
type batcher struct {
	size    int
	cur     []DeltaSetEntry
	pending []DeltaSetEntry
	held    bool
	seq     uint64
	emit    func(entries []DeltaSetEntry, seq uint64, last bool) error
}

func newBatcher(size int, emit func([]DeltaSetEntry, uint64, bool) error) *batcher {
	return &batcher{size: size, emit: emit}
}

func (b *batcher) add(e DeltaSetEntry) error {
	b.cur = append(b.cur, e)
	if len(b.cur) < b.size {
		return nil
	}
	if b.held {
		if err := b.emit(b.pending, b.seq, false); err != nil {
			return err
		}
		b.seq++
	}
	b.pending = b.cur
	b.held = true
	b.cur = nil
	return nil
}

func (b *batcher) finish() error {
	switch {
	case len(b.cur) > 0:
		if b.held {
			if err := b.emit(b.pending, b.seq, false); err != nil {
				return err
			}
			b.seq++
		}
		return b.emit(b.cur, b.seq, true)
	case b.held:
		return b.emit(b.pending, b.seq, true)
	default:
		return b.emit(nil, 0, true)
	}
}
