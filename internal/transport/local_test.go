package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

type dispatcher interface {
	Dispatch(ctx context.Context, msg *migration.Message) error
}

// Local connects nodes living in one process. Every message goes through
// the wire codec, so handlers never share memory with the sender.
type Local struct {
	mu    sync.RWMutex
	nodes map[string]dispatcher
	down  map[string]bool
}

func NewLocal() *Local {
	return &Local{
		nodes: make(map[string]dispatcher),
		down:  make(map[string]bool),
	}
}

func (l *Local) Register(nodeID string, d dispatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = d
}

func (l *Local) SetDown(nodeID string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[nodeID] = down
}

// Send implements migration.Transport.
func (l *Local) Send(ctx context.Context, nodeID string, msg *migration.Message) error {
	l.mu.RLock()
	d, ok := l.nodes[nodeID]
	down := l.down[nodeID]
	l.mu.RUnlock()

	if !ok || down {
		return fmt.Errorf("node %s unreachable: %w", nodeID, apperrors.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := Decode(payload)
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, decoded)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.InMemory = true
	cfg.BitsPerToken = 2
	st, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newManager(t *testing.T, net *Local, id string, st *store.Store) *migration.Manager {
	t.Helper()
	cfg := migration.DefaultConfig()
	cfg.NodeID = id
	cfg.DeltaBatchSize = 5
	cfg.FilterChunkSize = 4
	m, err := migration.NewManager(cfg, st, nil, net)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	net.Register(id, m)
	return m
}

func TestLocal_Migration(t *testing.T) {
	net := NewLocal()
	srcStore, dstStore := openStore(t), openStore(t)
	newManager(t, net, "src", srcStore)
	dst := newManager(t, net, "dst", dstStore)
	ctx := context.Background()

	const token = placement.Token(3)
	var ids []string
	for i := 0; len(ids) < 12; i++ {
		id := fmt.Sprintf("obj-%d", i)
		if placement.TokenOf(id, 2) == token {
			ids = append(ids, id)
		}
	}
	big := make([]byte, 4096)
	for i, id := range ids {
		data := []byte("data-" + id)
		if i == 0 {
			data = big
		}
		_, err := srcStore.Put(ctx, id, data, []uint64{7})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	plan := &placement.Plan{
		TargetVersion: 2,
		Entries:       []placement.PlanEntry{{Token: token, Sources: []string{"src"}}},
	}
	require.NoError(t, dst.StartMigration(plan, func(err error) { done <- err }, 2))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("migration did not finish")
	}

	n, err := dstStore.Count(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
	obj, err := dstStore.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, big, obj.Data)
	assert.Equal(t, []uint64{7}, obj.Meta.Volumes)
}
