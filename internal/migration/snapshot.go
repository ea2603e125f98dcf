package migration

import (
	"context"
	"fmt"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// ObjectStore is the part of the local object store migration uses.
type ObjectStore interface {
	BitsPerToken() uint
	Snapshot() (*store.Snapshot, error)
	ScanSince(ctx context.Context, token placement.Token, ts uint64, fn func(store.Object) error) error
	Apply(ctx context.Context, obj store.Object) (bool, error)
}

// SnapshotSource hands out point-in-time views of single tokens.
type SnapshotSource struct {
	store ObjectStore
}

// NewSnapshotSource creates a snapshot source over st.
func NewSnapshotSource(st ObjectStore) *SnapshotSource {
	return &SnapshotSource{store: st}
}

// Take opens a snapshot of token. The caller must Release it.
func (s *SnapshotSource) Take(token placement.Token) (*TokenSnapshot, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", token, apperrors.ErrSnapshotUnavailable)
	}
	return &TokenSnapshot{token: token, snap: snap, store: s.store}, nil
}

// TokenSnapshot is a snapshot restricted to one token.
type TokenSnapshot struct {
	token placement.Token
	snap  *store.Snapshot
	store ObjectStore
}

// Token returns the token the view covers.
func (t *TokenSnapshot) Token() placement.Token {
	return t.token
}

// ReadTs returns the store commit timestamp of the view.
func (t *TokenSnapshot) ReadTs() uint64 {
	return t.snap.ReadTs()
}

// KnownSet lists every live object of the token with its version, in id
// order.
func (t *TokenSnapshot) KnownSet(ctx context.Context) ([]FilterEntry, error) {
	var out []FilterEntry
	err := t.snap.Iterate(ctx, t.token, "", "", func(obj store.Object) error {
		out = append(out, FilterEntry{ID: obj.ID, Version: obj.Meta.Version})
		return nil
	})
	return out, err
}

// Diff calls fn, in id order, for every object in the filter's range that
// the filter does not already hold at an equal or newer version.
func (t *TokenSnapshot) Diff(ctx context.Context, f *FilterSet, fn func(store.Object) error) error {
	known := make(map[string]uint64, len(f.Entries))
	for _, e := range f.Entries {
		known[e.ID] = e.Version
	}
	return t.snap.Iterate(ctx, t.token, f.Start, f.End, func(obj store.Object) error {
		if v, ok := known[obj.ID]; ok && v >= obj.Meta.Version {
			return nil
		}
		return fn(obj)
	})
}

// Changes calls fn for every record of the token committed after the view
// was taken, tombstones included.
func (t *TokenSnapshot) Changes(ctx context.Context, fn func(store.Object) error) error {
	return t.store.ScanSince(ctx, t.token, t.snap.ReadTs(), fn)
}

// Release discards the view. Safe to call more than once.
func (t *TokenSnapshot) Release() {
	t.snap.Release()
}

// chunkFilter splits a sorted known set into filter chunks of at most size
// entries. Chunk ranges are contiguous and together cover the whole id space.
func chunkFilter(entries []FilterEntry, size int, singleRound bool) []*FilterSet {
	if len(entries) == 0 {
		return []*FilterSet{{Seq: 0, Last: true, SingleRound: singleRound}}
	}

	var chunks []*FilterSet
	for i := 0; i < len(entries); i += size {
		j := min(i+size, len(entries))
		f := &FilterSet{
			Seq:         uint64(len(chunks)),
			SingleRound: singleRound,
			Entries:     entries[i:j],
		}
		if i > 0 {
			f.Start = entries[i].ID
		}
		if j < len(entries) {
			f.End = entries[j].ID
		} else {
			f.Last = true
		}
		chunks = append(chunks, f)
	}
	return chunks
}
