package store

import (
	"context"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// Snapshot is a point-in-time read view of the store backed by a read-only
// badger transaction.
type Snapshot struct {
	store  *Store
	txn    *badger.Txn
	readTs uint64

	mu       sync.RWMutex
	released bool
}

// ReadTs is the commit timestamp the view was taken at. Records committed
// later carry a higher badger version.
func (sn *Snapshot) ReadTs() uint64 {
	return sn.readTs
}

// Iterate calls fn for each live object of token with id in [start, end), in
// id order. An empty end means the end of the token.
func (sn *Snapshot) Iterate(ctx context.Context, token placement.Token, start, end string, fn func(Object) error) error {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	if sn.released {
		return apperrors.ErrSnapshotUnavailable
	}
	return iterateToken(ctx, sn.txn, token, start, end, false, func(_ *badger.Item, obj Object) error {
		return fn(obj)
	})
}

// Get reads one object as of the snapshot.
func (sn *Snapshot) Get(objectID string) (*Object, error) {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	if sn.released {
		return nil, apperrors.ErrSnapshotUnavailable
	}
	return getObject(sn.txn, sn.store.objectKey(objectID), objectID)
}

// Release discards the view. It is safe to call more than once.
func (sn *Snapshot) Release() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.released {
		return
	}
	sn.released = true
	sn.txn.Discard()
	sn.store.openSnapshots.Add(-1)
}
