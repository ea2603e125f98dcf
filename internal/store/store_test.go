package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.BitsPerToken = 4
	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, "obj1", []byte("value1"), []uint64{7})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	obj, err := s.Get(ctx, "obj1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(obj.Data) != "value1" {
		t.Errorf("Data mismatch: got %q, want value1", obj.Data)
	}
	if obj.Meta.Version != meta.Version {
		t.Errorf("Version mismatch: got %d, want %d", obj.Meta.Version, meta.Version)
	}
	if len(obj.Meta.Volumes) != 1 || obj.Meta.Volumes[0] != 7 {
		t.Errorf("Volumes mismatch: got %v", obj.Meta.Volumes)
	}
}

func TestStore_DeleteWritesTombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	put, _ := s.Put(ctx, "obj1", []byte("v"), nil)
	del, err := s.Delete(ctx, "obj1")
	if err != nil {
		t.Fatal(err)
	}
	if del.Version <= put.Version {
		t.Errorf("tombstone version %d not after put %d", del.Version, put.Version)
	}
	if _, err := s.Get(ctx, "obj1"); !errors.Is(err, apperrors.ErrObjectNotFound) {
		t.Errorf("Get after delete: got %v, want ErrObjectNotFound", err)
	}

	// An older write arriving late must not resurrect the object.
	applied, err := s.Apply(ctx, Object{ID: "obj1", Meta: put, Data: []byte("v")})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("older write applied over tombstone")
	}
}

func TestStore_ApplyIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	obj := Object{ID: "obj1", Meta: ObjectMeta{Version: 100, Size: 3}, Data: []byte("abc")}

	applied, err := s.Apply(ctx, obj)
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	applied, err = s.Apply(ctx, obj)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("second apply changed the store")
	}

	got, err := s.Get(ctx, "obj1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "abc" || got.Meta.Version != 100 {
		t.Errorf("unexpected object after double apply: %+v", got)
	}

	// Local writes after an apply order after it.
	meta, _ := s.Put(ctx, "obj2", nil, nil)
	if meta.Version <= 100 {
		t.Errorf("local version %d did not observe applied version", meta.Version)
	}
}

func TestStore_ApplyLastWriterWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	s.Apply(ctx, Object{ID: "k", Meta: ObjectMeta{Version: 5}, Data: []byte("new")})
	s.Apply(ctx, Object{ID: "k", Meta: ObjectMeta{Version: 3}, Data: []byte("old")})

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "new" {
		t.Errorf("got %q, want new", got.Data)
	}
}

func TestSnapshot_PointInTime(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := idsInToken(s, 0, 5)
	for _, id := range ids[:3] {
		s.Put(ctx, id, []byte(id), nil)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Release()

	s.Put(ctx, ids[3], []byte("late"), nil)
	s.Delete(ctx, ids[0])

	var seen []string
	err = snap.Iterate(ctx, 0, "", "", func(obj Object) error {
		seen = append(seen, obj.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 {
		t.Errorf("snapshot saw %d objects, want 3: %v", len(seen), seen)
	}

	var since []Object
	err = s.ScanSince(ctx, 0, snap.ReadTs(), func(obj Object) error {
		since = append(since, obj)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 {
		t.Fatalf("ScanSince returned %d records, want 2", len(since))
	}
	var tombstones int
	for _, obj := range since {
		if obj.Meta.Deleted {
			tombstones++
		}
	}
	if tombstones != 1 {
		t.Errorf("expected 1 tombstone after snapshot, got %d", tombstones)
	}
}

func TestSnapshot_IterateRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := idsInToken(s, 2, 6)
	for _, id := range ids {
		s.Put(ctx, id, nil, nil)
	}
	snap, _ := s.Snapshot()
	defer snap.Release()

	sorted := sortedCopy(ids)
	var seen []string
	snap.Iterate(ctx, 2, sorted[1], sorted[4], func(obj Object) error {
		seen = append(seen, obj.ID)
		return nil
	})
	if len(seen) != 3 {
		t.Errorf("range iterate saw %v, want %v", seen, sorted[1:4])
	}
}

func TestSnapshot_Release(t *testing.T) {
	s := createTestStore(t)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if s.OpenSnapshots() != 1 {
		t.Errorf("open snapshots = %d, want 1", s.OpenSnapshots())
	}
	snap.Release()
	snap.Release()
	if s.OpenSnapshots() != 0 {
		t.Errorf("open snapshots = %d, want 0", s.OpenSnapshots())
	}

	err = snap.Iterate(context.Background(), 0, "", "", func(Object) error { return nil })
	if !errors.Is(err, apperrors.ErrSnapshotUnavailable) {
		t.Errorf("iterate after release: got %v", err)
	}
}

func TestSnapshot_ClosedStore(t *testing.T) {
	s := createTestStore(t)
	s.Close()

	if _, err := s.Snapshot(); !errors.Is(err, apperrors.ErrSnapshotUnavailable) {
		t.Errorf("Snapshot on closed store: got %v", err)
	}
}

func TestStore_Count(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := idsInToken(s, 1, 4)
	for _, id := range ids {
		s.Put(ctx, id, nil, nil)
	}
	s.Delete(ctx, ids[0])

	n, err := s.Count(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func idsInToken(s *Store, token placement.Token, n int) []string {
	var ids []string
	for i := 0; len(ids) < n && i < 1000000; i++ {
		id := fmt.Sprintf("obj-%d", i)
		if s.TokenOf(id) == token {
			ids = append(ids, id)
		}
	}
	return ids
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
