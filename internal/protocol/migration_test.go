package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	"github.com/vinaypunrao68/fds-src-sub013/internal/transport"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

type testNode struct {
	id    string
	store *store.Store
	table *placement.Table
	mgr   *migration.Manager
	peers *transport.Client
	addr  string
}

func newTestNode(t *testing.T, id string, initial *placement.DLT) *testNode {
	t.Helper()
	n := &testNode{
		id:    id,
		store: openStore(t),
		table: placement.NewTable(id, initial),
		peers: transport.NewClient(nil),
	}
	t.Cleanup(func() { n.peers.Close() })

	cfg := migration.DefaultConfig()
	cfg.NodeID = id
	cfg.DeltaBatchSize = 7
	cfg.FilterChunkSize = 8
	cfg.SequenceTimeout = 10 * time.Second
	mgr, err := migration.NewManager(cfg, n.store, n.table, n.peers)
	require.NoError(t, err)
	n.mgr = mgr
	t.Cleanup(func() { mgr.Close() })

	h := NewHandler(n.store, n.table, mgr, migration.NewGate(mgr), logr.Discard())
	const listen = "127.0.0.1:0"
	srv := NewServer(listen, h, logr.Discard())
	go srv.Start()
	t.Cleanup(func() { srv.Stop() })
	n.addr = waitForServer(t, srv, listen, 2*time.Second)
	return n
}

func connect(nodes ...*testNode) *transport.Client {
	cli := transport.NewClient(nil)
	for _, a := range nodes {
		cli.SetPeer(a.id, a.addr)
		for _, b := range nodes {
			a.peers.SetPeer(b.id, b.addr)
		}
	}
	return cli
}

func TestTwoNodeMigration(t *testing.T) {
	v1 := makeDLT(t, 1, "a", "a", "a", "a")
	v2 := makeDLT(t, 2, "a", "b", "a", "a")
	a := newTestNode(t, "a", v1)
	b := newTestNode(t, "b", v1)
	cli := connect(a, b)
	defer cli.Close()

	ids := idsInToken(1, 24)
	moving, later := ids[:20], ids[20:]
	for _, id := range moving {
		_, err := do(cli, "a", "OPUT", id, "1", "data-"+id)
		require.NoError(t, err)
	}
	staying := idsInToken(2, 3)
	for _, id := range staying {
		_, err := do(cli, "a", "OPUT", id, "1", "data-"+id)
		require.NoError(t, err)
	}

	_, err := do(cli, "b", "OPUT", moving[0], "1", "x")
	assert.Equal(t, "MOVED 1 a", remoteErr(t, err))

	raw, err := json.Marshal(v2)
	require.NoError(t, err)
	for _, n := range []string{"a", "b"} {
		reply, err := do(cli, n, "DLT", "SET", string(raw))
		require.NoError(t, err)
		assert.Equal(t, "OK", reply)
	}

	require.Eventually(t, func() bool {
		ts := b.mgr.TokenStatus()
		return b.mgr.State() == migration.StateIdle && len(ts) == 1 && ts[0].State == migration.TokenDone
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(len(moving)), b.mgr.TokenStatus()[0].Objects)

	for _, id := range moving {
		reply, err := do(cli, "b", "OGET", id)
		require.NoError(t, err)
		assert.Equal(t, "data-"+id, reply)
	}
	for _, id := range staying {
		_, err := b.store.Get(context.Background(), id)
		assert.ErrorIs(t, err, apperrors.ErrObjectNotFound)
	}

	// Writes still issued under version 1 land on a and are mirrored to b.
	for _, id := range later {
		_, err := do(cli, "a", "OPUT", id, "1", "late-"+id)
		require.NoError(t, err)
	}
	reply, err := do(cli, "a", "ODEL", moving[0], "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply)

	require.Eventually(t, func() bool {
		for _, id := range later {
			if _, err := b.store.Get(context.Background(), id); err != nil {
				return false
			}
		}
		_, err := b.store.Get(context.Background(), moving[0])
		return err != nil
	}, 10*time.Second, 10*time.Millisecond)

	// Writes under the target version are not mirrored back.
	_, err = do(cli, "b", "OPUT", later[0], "2", "new")
	require.NoError(t, err)

	reply, err = do(cli, "b", "DLT", "STATUS")
	require.NoError(t, err)
	var status statusView
	require.NoError(t, json.Unmarshal([]byte(reply.(string)), &status))
	assert.Equal(t, "idle", status.State)
	require.Len(t, status.Tokens, 1)
	assert.Equal(t, "done", status.Tokens[0].State)

	for _, n := range []string{"b", "a"} {
		reply, err := do(cli, n, "DLT", "CLOSE", "2")
		require.NoError(t, err)
		assert.Equal(t, "OK", reply)
	}
	assert.False(t, a.mgr.IsForwarding(1))

	_, err = do(cli, "a", "OGET", moving[1])
	assert.Equal(t, "MOVED 1 b", remoteErr(t, err))
	reply, err = do(cli, "b", "OGET", later[0])
	require.NoError(t, err)
	assert.Equal(t, "new", reply)

	reply, err = do(cli, "a", "DLT", "GET")
	require.NoError(t, err)
	var tables tablesView
	require.NoError(t, json.Unmarshal([]byte(reply.(string)), &tables))
	assert.Equal(t, placement.Version(2), tables.Current.Version)
	assert.Nil(t, tables.Target)
}

func TestDLTSetRejectedWhileMigrating(t *testing.T) {
	v1 := makeDLT(t, 1, "a", "a", "a", "a")
	b := newTestNode(t, "b", v1)
	cli := connect(b)
	defer cli.Close()

	// Source "a" is not reachable, so the campaign fails and the manager
	// stays aborted until reset.
	raw, err := json.Marshal(makeDLT(t, 2, "a", "b", "a", "a"))
	require.NoError(t, err)
	_, err = do(cli, "b", "DLT", "SET", string(raw))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.mgr.State() == migration.StateAborted
	}, 10*time.Second, 10*time.Millisecond)

	_, err = do(cli, "b", "DLT", "SET", string(raw))
	assert.Contains(t, remoteErr(t, err), "BUSY")
	_, err = do(cli, "b", "DLT", "CLOSE", "2")
	assert.Contains(t, remoteErr(t, err), "BUSY")

	_, err = do(cli, "b", "DLT", "RESET")
	require.NoError(t, err)
	assert.Equal(t, migration.StateIdle, b.mgr.State())
}
