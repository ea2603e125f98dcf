// Package migration moves SM tokens between storage nodes when the placement
// table changes.
//
// On the node gaining a token (the destination) the Manager runs one Executor
// per (token, source) pair. The executor tells the source which objects it
// already has, applies the delta sets the source sends back, and then asks
// for a second round covering writes made on the source while round 1 ran.
// On the node losing a token (the source) a Client answers the executor
// from a store snapshot and, once forwarding is on, mirrors live writes still
// issued under the old placement version.
//
// Executors and clients each own a single goroutine fed by an event inbox.
// They report completion to the manager over a channel and are addressed by
// ExecutorID; nothing holds a pointer back to the manager.
package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/vinaypunrao68/fds-src-sub013/internal/metrics"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// Transport delivers migration messages to peer nodes, at least once.
type Transport interface {
	Send(ctx context.Context, nodeID string, msg *Message) error
}

// Placement is the manager's handle on the placement table.
type Placement interface {
	TargetVersion() placement.Version
	Commit(version placement.Version) error
}

// State is the manager's campaign state.
type State int

const (
	StateIdle State = iota
	StateInProgress
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TokenState is the progress of one token of the campaign.
type TokenState int

const (
	TokenPending TokenState = iota
	TokenActive
	TokenDone
	TokenFailed
)

func (s TokenState) String() string {
	switch s {
	case TokenPending:
		return "pending"
	case TokenActive:
		return "active"
	case TokenDone:
		return "done"
	case TokenFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TokenStatus reports one token of the current or last campaign.
type TokenStatus struct {
	Token     placement.Token
	Sources   []string
	Executors []ExecutorID
	State     TokenState
	Objects   int64
	Err       error
}

// AckFunc receives the outcome of a campaign: nil once every token is
// migrated, or the first fatal error.
type AckFunc func(err error)

type resultKind int

const (
	executorResult resultKind = iota
	clientResult
)

type result struct {
	kind    resultKind
	id      ExecutorID
	token   placement.Token
	objects int64
	err     error
}

type tokenRun struct {
	token     placement.Token
	sources   []string
	state     TokenState
	executors []ExecutorID
	remaining int
	objects   int64
	err       error
}

type forwardTarget struct {
	client  ExecutorID
	dest    string
	version placement.Version
}

// importState tracks which objects of an importing token are already here.
// A pending token has no filter yet; local writes to it are kept in noted
// and moved into the filter when the token becomes active.
type importState struct {
	source string
	filter *ImportFilter
	noted  map[string]struct{}
}

func (s *importState) activate(capacity uint) *ImportFilter {
	if s.filter == nil {
		s.filter = NewImportFilter(capacity)
		for id := range s.noted {
			s.filter.Insert(id)
		}
		s.noted = nil
	}
	return s.filter
}

func (s *importState) note(objectID string) {
	if s.filter != nil {
		s.filter.Insert(objectID)
		return
	}
	if s.noted == nil {
		s.noted = make(map[string]struct{})
	}
	s.noted[objectID] = struct{}{}
}

func (s *importState) has(objectID string) bool {
	if s.filter != nil {
		return s.filter.Has(objectID)
	}
	_, ok := s.noted[objectID]
	return ok
}

// Manager coordinates token migration on one node, both as destination of a
// campaign and as source for other nodes' executors.
type Manager struct {
	cfg       *Config
	log       logr.Logger
	store     ObjectStore
	source    *SnapshotSource
	placement Placement
	transport Transport
	idBase    uint64

	results   chan result
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	bits          uint
	targetVersion placement.Version
	ackCb         AckFunc
	firstErr      error
	tokens        []*tokenRun
	next          int
	active        *tokenRun
	counter       uint32
	executors     map[ExecutorID]*Executor
	finished      map[ExecutorID]ExecutorStatus
	clients       map[ExecutorID]*Client
	forwarding    map[placement.Token][]forwardTarget
	imports       map[placement.Token]*importState
}

// NewManager creates a manager. pl may be nil, in which case HandleDltClose
// does not commit the table.
func NewManager(cfg *Config, st ObjectStore, pl Placement, tr Transport) (*Manager, error) {
	if st == nil || tr == nil {
		return nil, fmt.Errorf("migration manager needs a store and a transport: %w", apperrors.ErrInvalidArgs)
	}
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("migration manager needs a node id: %w", apperrors.ErrInvalidArgs)
	}

	m := &Manager{
		cfg:        cfg,
		log:        cfg.Logger.WithName("migration").WithValues("node", cfg.NodeID),
		store:      st,
		source:     NewSnapshotSource(st),
		placement:  pl,
		transport:  tr,
		idBase:     makeExecutorIDBase(cfg.NodeID),
		results:    make(chan result, 64),
		stopCh:     make(chan struct{}),
		executors:  make(map[ExecutorID]*Executor),
		finished:   make(map[ExecutorID]ExecutorStatus),
		clients:    make(map[ExecutorID]*Client),
		forwarding: make(map[placement.Token][]forwardTarget),
		imports:    make(map[placement.Token]*importState),
	}
	metrics.SetMigrationState(StateIdle.String())

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// NodeID returns the node this manager runs on.
func (m *Manager) NodeID() string {
	return m.cfg.NodeID
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case r := <-m.results:
			switch r.kind {
			case executorResult:
				m.executorDone(r)
			case clientResult:
				m.clientDone(r)
			}
		case <-m.stopCh:
			return
		}
	}
}

// StartMigration starts a campaign for plan. Tokens are migrated one at a
// time in plan order, with one executor per source of the token. ack is
// called once when the campaign completes or fails.
func (m *Manager) StartMigration(plan *placement.Plan, ack AckFunc, bitsPerToken uint) error {
	if plan == nil {
		return fmt.Errorf("nil migration plan: %w", apperrors.ErrInvalidArgs)
	}
	if bitsPerToken != m.store.BitsPerToken() {
		return fmt.Errorf("plan uses %d bits, store %d: %w", bitsPerToken, m.store.BitsPerToken(), apperrors.ErrTokenMismatch)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("manager is %s: %w", state, apperrors.ErrDuplicateCampaign)
	}

	m.bits = bitsPerToken
	m.targetVersion = plan.TargetVersion
	m.ackCb = ack
	m.firstErr = nil
	m.tokens = nil
	m.next = 0
	m.finished = make(map[ExecutorID]ExecutorStatus)
	m.imports = make(map[placement.Token]*importState)
	for _, e := range plan.Entries {
		m.tokens = append(m.tokens, &tokenRun{token: e.Token, sources: append([]string(nil), e.Sources...)})
		if len(e.Sources) > 0 {
			m.imports[e.Token] = &importState{source: e.Sources[0]}
		}
	}
	m.setStateLocked(StateInProgress)
	m.log.Info("migration started", "version", plan.TargetVersion, "tokens", len(m.tokens))

	start, complete := m.advanceLocked()
	var done AckFunc
	if complete {
		done = m.completeLocked()
	}
	m.mu.Unlock()

	for _, ex := range start {
		ex.Start()
	}
	if complete {
		metrics.RecordCampaign(true)
		if done != nil {
			done(nil)
		}
	}
	return nil
}

// advanceLocked activates the next token that has sources. It reports
// complete when no token is left.
func (m *Manager) advanceLocked() (start []*Executor, complete bool) {
	for m.next < len(m.tokens) {
		run := m.tokens[m.next]
		m.next++
		if len(run.sources) == 0 {
			run.state = TokenDone
			continue
		}

		run.state = TokenActive
		m.active = run
		filter := m.imports[run.token].activate(m.cfg.ImportFilterCapacity)
		for _, src := range run.sources {
			m.counter++
			id := ExecutorID(m.idBase | uint64(m.counter))
			ex := newExecutor(m, id, run.token, src, filter)
			m.executors[id] = ex
			run.executors = append(run.executors, id)
			start = append(start, ex)
		}
		run.remaining = len(start)
		m.log.Info("migrating token", "token", run.token, "sources", run.sources)
		return start, false
	}
	m.active = nil
	return nil, true
}

func (m *Manager) completeLocked() AckFunc {
	m.setStateLocked(StateIdle)
	m.imports = make(map[placement.Token]*importState)
	ack := m.ackCb
	m.ackCb = nil
	m.log.Info("migration complete", "version", m.targetVersion, "tokens", len(m.tokens))
	return ack
}

func (m *Manager) executorDone(r result) {
	m.mu.Lock()
	ex, ok := m.executors[r.id]
	if !ok {
		// Aborted while the result was in flight.
		m.mu.Unlock()
		return
	}
	delete(m.executors, r.id)
	m.finished[r.id] = ex.Status()

	run := m.active
	if run == nil || run.token != r.token {
		m.mu.Unlock()
		return
	}

	if r.err != nil {
		run.state = TokenFailed
		run.err = r.err
		exs, notify := m.abortLocked(r.err)
		m.mu.Unlock()

		metrics.RecordToken(false)
		m.cancelAll(exs, nil, notify)
		return
	}

	run.objects += r.objects
	run.remaining--
	if run.remaining > 0 {
		m.mu.Unlock()
		return
	}

	run.state = TokenDone
	delete(m.imports, run.token)
	m.log.Info("token migrated", "token", run.token, "objects", run.objects)

	start, complete := m.advanceLocked()
	var ack AckFunc
	if complete {
		ack = m.completeLocked()
	}
	m.mu.Unlock()

	metrics.RecordToken(true)
	for _, ex := range start {
		ex.Start()
	}
	if complete {
		metrics.RecordCampaign(true)
		if ack != nil {
			ack(nil)
		}
	}
}

func (m *Manager) clientDone(r result) {
	m.mu.Lock()
	c := m.removeClientLocked(r.id)
	m.mu.Unlock()
	if c != nil {
		m.log.Error(r.err, "migration client stopped", "executor", r.id, "token", r.token)
	}
}

// abortLocked moves an in-progress campaign to Aborted and detaches its
// executors. The caller cancels them and runs notify after unlocking.
func (m *Manager) abortLocked(err error) (exs []*Executor, notify func()) {
	if m.firstErr == nil {
		m.firstErr = err
	}
	m.setStateLocked(StateAborted)

	for id, ex := range m.executors {
		exs = append(exs, ex)
		delete(m.executors, id)
	}
	if m.active != nil && m.active.state == TokenActive {
		m.active.state = TokenFailed
		m.active.err = m.firstErr
	}
	m.active = nil
	m.imports = make(map[placement.Token]*importState)
	m.log.Error(m.firstErr, "migration aborted", "version", m.targetVersion)

	ack, first := m.ackCb, m.firstErr
	m.ackCb = nil
	return exs, func() {
		metrics.RecordCampaign(false)
		if ack != nil {
			ack(first)
		}
	}
}

func (m *Manager) cancelAll(exs []*Executor, cls []*Client, notify func()) {
	for _, ex := range exs {
		ex.Abort()
	}
	for _, c := range cls {
		c.Abort()
	}
	if notify != nil {
		notify()
	}
}

// AbortMigration aborts the campaign with ErrAborted.
func (m *Manager) AbortMigration() {
	m.AbortMigrationErr(apperrors.ErrAborted)
}

// AbortMigrationErr cancels every executor and client. An in-progress
// campaign moves to Aborted and is acked with the first fatal error. Calling
// it again is a no-op.
func (m *Manager) AbortMigrationErr(err error) {
	if err == nil {
		err = apperrors.ErrAborted
	}

	m.mu.Lock()
	var exs []*Executor
	var notify func()
	if m.state == StateInProgress {
		exs, notify = m.abortLocked(err)
	}
	cls := m.takeClientsLocked()
	m.mu.Unlock()

	m.cancelAll(exs, cls, notify)
}

// ResetAborted returns an aborted manager to Idle so a new campaign can
// start.
func (m *Manager) ResetAborted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAborted {
		return fmt.Errorf("reset from %s: %w", m.state, apperrors.ErrInvalidStateTransition)
	}
	m.setStateLocked(StateIdle)
	m.firstErr = nil
	return nil
}

// StartObjectRebalance handles a filter chunk from a remote executor, creating
// the client on the first chunk. In single-round mode forwarding starts
// before the client takes its snapshot.
func (m *Manager) StartObjectRebalance(msg *Message, from string, bitsPerToken uint) error {
	if msg.Filter == nil {
		return fmt.Errorf("start rebalance without filter set: %w", apperrors.ErrInvalidArgs)
	}
	if bitsPerToken != m.store.BitsPerToken() {
		return fmt.Errorf("executor %s uses %d bits, store %d: %w",
			msg.ExecutorID, bitsPerToken, m.store.BitsPerToken(), apperrors.ErrTokenMismatch)
	}

	m.mu.Lock()
	c, ok := m.clients[msg.ExecutorID]
	if !ok {
		c = newClient(m, msg.ExecutorID, msg.Token, from, msg.Version)
		m.clients[msg.ExecutorID] = c
		if msg.Filter.SingleRound {
			m.startForwardingLocked(c)
		}
		c.start()
		m.log.Info("serving executor", "executor", msg.ExecutorID, "token", msg.Token, "dest", from, "singleRound", msg.Filter.SingleRound)
	}
	m.mu.Unlock()

	return c.post(clientEvent{kind: clientFilterChunk, filter: msg.Filter})
}

// StartObjectRebalanceResp handles the source's ack of a filter chunk.
func (m *Manager) StartObjectRebalanceResp(msg *Message) error {
	ex := m.executor(msg.ExecutorID)
	if ex == nil {
		return nil
	}
	_ = ex.post(execEvent{kind: execFilterAck, msg: msg})
	return nil
}

// StartSecondObjectRebalance turns on forwarding for the executor's token and
// has its client stream the gap window.
func (m *Manager) StartSecondObjectRebalance(msg *Message, from string) error {
	m.mu.Lock()
	c, ok := m.clients[msg.ExecutorID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("second round for %s from %s: %w", msg.ExecutorID, from, apperrors.ErrUnknownExecutor)
	}
	m.startForwardingLocked(c)
	m.mu.Unlock()

	return c.post(clientEvent{kind: clientSecondRound})
}

// StartForwarding turns on forwarding of old-version writes for the token
// served by client id.
func (m *Manager) StartForwarding(id ExecutorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return fmt.Errorf("forwarding for %s: %w", id, apperrors.ErrUnknownExecutor)
	}
	m.startForwardingLocked(c)
	return nil
}

func (m *Manager) startForwardingLocked(c *Client) {
	for _, t := range m.forwarding[c.token] {
		if t.client == c.id {
			return
		}
	}
	m.forwarding[c.token] = append(m.forwarding[c.token], forwardTarget{client: c.id, dest: c.dest, version: c.version})
	m.log.Info("forwarding enabled", "token", c.token, "dest", c.dest, "version", c.version)
}

// RecvRebalanceDeltaSet hands a delta set to its executor. Sets for
// executors that are gone (finished or aborted) are dropped.
func (m *Manager) RecvRebalanceDeltaSet(msg *Message) error {
	ex := m.executor(msg.ExecutorID)
	if ex == nil {
		m.log.V(1).Info("dropping delta set for unknown executor", "executor", msg.ExecutorID)
		return nil
	}
	_ = ex.post(execEvent{kind: execDelta, msg: msg})
	return nil
}

// RebalanceDeltaSetResp returns a window credit to the client.
func (m *Manager) RebalanceDeltaSetResp(msg *Message) error {
	m.mu.Lock()
	c := m.clients[msg.ExecutorID]
	m.mu.Unlock()
	if c != nil {
		c.release()
	}
	return nil
}

// RecvForwardedWrites applies writes mirrored by a source node.
func (m *Manager) RecvForwardedWrites(ctx context.Context, msg *Message) error {
	if msg.Delta == nil {
		return nil
	}

	applied := 0
	for _, e := range msg.Delta.Entries {
		ok, err := m.store.Apply(ctx, e.object())
		if err != nil {
			return fmt.Errorf("apply forwarded write: %w", err)
		}
		if ok {
			applied++
		}
		m.noteImported(msg.Token, e.ID)
	}
	metrics.RecordApplied("forward", applied)
	return nil
}

// FinishClient lets the client release its snapshot. The client keeps
// forwarding until the placement table is closed.
func (m *Manager) FinishClient(msg *Message) error {
	m.mu.Lock()
	c := m.clients[msg.ExecutorID]
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.post(clientEvent{kind: clientFinish})
}

// AbortClient drops the client and its forwarding after its executor failed
// or was aborted.
func (m *Manager) AbortClient(msg *Message) error {
	m.mu.Lock()
	c := m.removeClientLocked(msg.ExecutorID)
	m.mu.Unlock()
	if c != nil {
		c.Abort()
		m.log.Info("client aborted by executor", "executor", msg.ExecutorID, "token", msg.Token)
	}
	return nil
}

// ForwardReqIfNeeded queues a committed write for every new owner of its
// token when forwarding is on and the request carried a placement version
// other than the migration target. It reports whether the write was queued.
func (m *Manager) ForwardReqIfNeeded(objectID string, reqVersion placement.Version, obj store.Object) bool {
	m.mu.Lock()
	targets := m.forwardTargetsLocked(objectID, reqVersion)
	m.mu.Unlock()

	for _, c := range targets {
		c.Forward(entryFromObject(obj))
	}
	return len(targets) > 0
}

func (m *Manager) forwardTargetsLocked(objectID string, reqVersion placement.Version) []*Client {
	if !m.inProgressLocked() || len(m.forwarding) == 0 {
		return nil
	}
	var out []*Client
	for _, t := range m.forwarding[m.tokenOf(objectID)] {
		if reqVersion == t.version {
			continue
		}
		if c, ok := m.clients[t.client]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) noteImported(token placement.Token, objectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if imp, ok := m.imports[token]; ok {
		imp.note(objectID)
	}
}

func (m *Manager) tokenOf(objectID string) placement.Token {
	return placement.TokenOf(objectID, m.store.BitsPerToken())
}

// HandleDltClose retires the old placement table once every node has
// finished migrating. It fails while this node still has tokens pending or
// active, or after an abort that was not reset.
func (m *Manager) HandleDltClose(version placement.Version) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("dlt close for version %d while %s: %w", version, state, apperrors.ErrInvalidStateTransition)
	}
	cls := m.takeClientsLocked()
	m.imports = make(map[placement.Token]*importState)
	m.mu.Unlock()

	m.cancelAll(nil, cls, nil)
	m.log.Info("dlt closed", "version", version, "clients", len(cls))

	if m.placement == nil {
		return nil
	}
	return m.placement.Commit(version)
}

func (m *Manager) takeClientsLocked() []*Client {
	cls := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		cls = append(cls, c)
	}
	m.clients = make(map[ExecutorID]*Client)
	m.forwarding = make(map[placement.Token][]forwardTarget)
	return cls
}

func (m *Manager) removeClientLocked(id ExecutorID) *Client {
	c, ok := m.clients[id]
	if !ok {
		return nil
	}
	delete(m.clients, id)
	targets := m.forwarding[c.token][:0]
	for _, t := range m.forwarding[c.token] {
		if t.client != id {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		delete(m.forwarding, c.token)
	} else {
		m.forwarding[c.token] = targets
	}
	return c
}

func (m *Manager) executor(id ExecutorID) *Executor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executors[id]
}

// Dispatch routes an incoming migration message.
func (m *Manager) Dispatch(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case MsgStartRebalance:
		return m.StartObjectRebalance(msg, msg.From, msg.BitsPerToken)
	case MsgStartRebalanceResp:
		return m.StartObjectRebalanceResp(msg)
	case MsgDeltaSet:
		return m.RecvRebalanceDeltaSet(msg)
	case MsgDeltaSetResp:
		return m.RebalanceDeltaSetResp(msg)
	case MsgSecondRound:
		return m.StartSecondObjectRebalance(msg, msg.From)
	case MsgForwardedWrites:
		return m.RecvForwardedWrites(ctx, msg)
	case MsgFinishClient:
		return m.FinishClient(msg)
	case MsgAbortClient:
		return m.AbortClient(msg)
	default:
		return fmt.Errorf("unknown migration message %s: %w", msg.Type, apperrors.ErrInvalidArgs)
	}
}

// State returns the campaign state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InProgress reports whether this node takes part in a migration, as
// destination or as source.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgressLocked()
}

func (m *Manager) inProgressLocked() bool {
	return m.state == StateInProgress || len(m.clients) > 0
}

// IsForwarding reports whether writes to token are being forwarded.
func (m *Manager) IsForwarding(token placement.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forwarding[token]) > 0
}

// TargetVersion returns the placement version of the current or last
// campaign.
func (m *Manager) TargetVersion() placement.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetVersion
}

// TokenStatus returns the tokens of the current or last campaign in plan
// order.
func (m *Manager) TokenStatus() []TokenStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TokenStatus, 0, len(m.tokens))
	for _, run := range m.tokens {
		out = append(out, TokenStatus{
			Token:     run.token,
			Sources:   append([]string(nil), run.sources...),
			Executors: append([]ExecutorID(nil), run.executors...),
			State:     run.state,
			Objects:   run.objects,
			Err:       run.err,
		})
	}
	return out
}

// ExecutorStatus returns the progress of a running or finished executor of
// the current campaign.
func (m *Manager) ExecutorStatus(id ExecutorID) (ExecutorStatus, bool) {
	m.mu.Lock()
	ex, ok := m.executors[id]
	st, done := m.finished[id]
	m.mu.Unlock()
	if ok {
		return ex.Status(), true
	}
	return st, done
}

// Close aborts all migration work and waits for executors and clients to
// exit.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		exs := make([]*Executor, 0, len(m.executors))
		for _, ex := range m.executors {
			exs = append(exs, ex)
		}
		cls := make([]*Client, 0, len(m.clients))
		for _, c := range m.clients {
			cls = append(cls, c)
		}
		m.mu.Unlock()

		m.AbortMigrationErr(apperrors.ErrClosed)

		for _, ex := range exs {
			<-ex.done
		}
		for _, c := range cls {
			<-c.done
		}

		close(m.stopCh)
		m.wg.Wait()
	})
	return nil
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.SetMigrationState(s.String())
}
