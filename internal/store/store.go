// Package store implements the node-local object store on top of BadgerDB.
//
// Objects are laid out by token so that every SM token is a contiguous key
// prefix: o/<token hex>/<object id>. Deletes are written as tombstone records
// with a TTL, so a delete carries a version like any other write and a late
// older write cannot resurrect the object.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
	jsoniter "github.com/json-iterator/go"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// ObjectMeta is the per-object metadata record.
type ObjectMeta struct {
	// Version orders writes of the same object. Higher wins.
	Version  uint64
	Size     int64
	Checksum uint64
	Volumes  []uint64
	Deleted  bool
}

// Object is an object id with its metadata and, when loaded, its data.
type Object struct {
	ID   string
	Meta ObjectMeta
	Data []byte
}

type record struct {
	Meta ObjectMeta
	Data []byte
}

// Config configures the store.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory (tests, ephemeral nodes).
	InMemory bool
	// BitsPerToken fixes the token layout of the key space.
	BitsPerToken uint
	// TombstoneTTL bounds how long delete markers are kept.
	TombstoneTTL time.Duration
	// SyncWrites makes every commit durable before returning.
	SyncWrites bool
	Logger     logr.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:         "./data/objects",
		BitsPerToken: 8,
		TombstoneTTL: 24 * time.Hour,
		Logger:       logr.Discard(),
	}
}

// Store implements the object store used by both live IO and migration.
type Store struct {
	db           *badger.DB
	bits         uint
	tombstoneTTL time.Duration
	log          logr.Logger

	// clock hands out strictly increasing write versions.
	clock atomic.Uint64

	// closeMu keeps Close from racing snapshot creation and writes.
	closeMu sync.RWMutex
	closed  bool

	openSnapshots atomic.Int64
}

// Open opens (or creates) a store.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BitsPerToken > placement.MaxBitsPerToken {
		return nil, fmt.Errorf("bits per token %d exceeds %d", cfg.BitsPerToken, placement.MaxBitsPerToken)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
		opts.BlockCacheSize = 256 << 20
		opts.IndexCacheSize = 256 << 20
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(&badgerLogger{log: cfg.Logger.WithName("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = DefaultConfig().TombstoneTTL
	}

	return &Store{
		db:           db,
		bits:         cfg.BitsPerToken,
		tombstoneTTL: ttl,
		log:          cfg.Logger.WithName("store"),
	}, nil
}

// BitsPerToken returns the token width the key space is laid out with.
func (s *Store) BitsPerToken() uint {
	return s.bits
}

// TokenOf returns the token an object belongs to.
func (s *Store) TokenOf(objectID string) placement.Token {
	return placement.TokenOf(objectID, s.bits)
}

// nextVersion returns a version strictly greater than anything this store has
// issued or observed.
func (s *Store) nextVersion() uint64 {
	now := uint64(time.Now().UnixNano())
	for {
		last := s.clock.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if s.clock.CompareAndSwap(last, next) {
			return next
		}
	}
}

// observe moves the clock forward so local writes order after v.
func (s *Store) observe(v uint64) {
	for {
		last := s.clock.Load()
		if v <= last || s.clock.CompareAndSwap(last, v) {
			return
		}
	}
}

// Put writes an object and returns the metadata it was stored with.
func (s *Store) Put(ctx context.Context, objectID string, data []byte, volumes []uint64) (ObjectMeta, error) {
	meta := ObjectMeta{
		Version:  s.nextVersion(),
		Size:     int64(len(data)),
		Checksum: xxhash.Sum64(data),
		Volumes:  volumes,
	}
	if err := s.write(objectID, record{Meta: meta, Data: data}); err != nil {
		return ObjectMeta{}, err
	}
	return meta, nil
}

// Delete writes a tombstone for an object and returns its metadata.
func (s *Store) Delete(ctx context.Context, objectID string) (ObjectMeta, error) {
	meta := ObjectMeta{Version: s.nextVersion(), Deleted: true}
	if err := s.write(objectID, record{Meta: meta}); err != nil {
		return ObjectMeta{}, err
	}
	return meta, nil
}

// Get returns a live object.
func (s *Store) Get(ctx context.Context, objectID string) (*Object, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, apperrors.ErrStoreClosed
	}

	var obj *Object
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		obj, err = getObject(txn, s.objectKey(objectID), objectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Apply writes a migrated or forwarded object if it is newer than what the
// store holds. Applying the same object twice leaves the same state as
// applying it once. It reports whether the store changed.
func (s *Store) Apply(ctx context.Context, obj Object) (bool, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false, apperrors.ErrStoreClosed
	}

	key := s.objectKey(obj.ID)
	rec := record{Meta: obj.Meta, Data: obj.Data}
	if rec.Meta.Deleted {
		rec.Data = nil
	}
	val, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}

	var applied bool
	for attempt := 0; attempt < 3; attempt++ {
		applied = false
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			switch {
			case err == nil:
				var cur record
				if err := item.Value(func(v []byte) error { return decodeRecord(v, &cur) }); err != nil {
					return err
				}
				if cur.Meta.Version >= obj.Meta.Version {
					return nil
				}
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return err
			}
			applied = true
			return txn.SetEntry(s.entry(key, val, rec.Meta.Deleted))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("apply %s: %w", obj.ID, err)
	}
	s.observe(obj.Meta.Version)
	return applied, nil
}

// Snapshot opens a point-in-time read view. The caller must Release it.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, apperrors.ErrSnapshotUnavailable
	}
	if s.db.IsClosed() {
		return nil, apperrors.ErrSnapshotUnavailable
	}

	txn := s.db.NewTransaction(false)
	s.openSnapshots.Add(1)
	return &Snapshot{store: s, txn: txn, readTs: txn.ReadTs()}, nil
}

// OpenSnapshots returns the number of snapshots not yet released.
func (s *Store) OpenSnapshots() int64 {
	return s.openSnapshots.Load()
}

// ScanSince calls fn for every record of token committed after ts, tombstones
// included, in object id order.
func (s *Store) ScanSince(ctx context.Context, token placement.Token, ts uint64, fn func(Object) error) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		return iterateToken(ctx, txn, token, "", "", true, func(item *badger.Item, obj Object) error {
			if item.Version() <= ts {
				return nil
			}
			return fn(obj)
		})
	})
}

// Count returns the number of live objects in a token.
func (s *Store) Count(ctx context.Context, token placement.Token) (int, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return 0, apperrors.ErrStoreClosed
	}

	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateToken(ctx, txn, token, "", "", false, func(_ *badger.Item, _ Object) error {
			n++
			return nil
		})
	})
	return n, err
}

// Close closes the store.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) write(objectID string, rec record) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}

	val, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := s.objectKey(objectID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(key, val, rec.Meta.Deleted))
	})
}

func (s *Store) entry(key, val []byte, tombstone bool) *badger.Entry {
	e := badger.NewEntry(key, val)
	if tombstone {
		e = e.WithTTL(s.tombstoneTTL)
	}
	return e
}

func (s *Store) objectKey(objectID string) []byte {
	return objectKey(s.TokenOf(objectID), objectID)
}

func objectKey(token placement.Token, objectID string) []byte {
	return append(tokenPrefix(token), objectID...)
}

func tokenPrefix(token placement.Token) []byte {
	return []byte(fmt.Sprintf("o/%08x/", uint32(token)))
}

func getObject(txn *badger.Txn, key []byte, objectID string) (*Object, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, apperrors.ErrObjectNotFound
		}
		return nil, err
	}
	var rec record
	if err := item.Value(func(v []byte) error { return decodeRecord(v, &rec) }); err != nil {
		return nil, err
	}
	if rec.Meta.Deleted {
		return nil, apperrors.ErrObjectNotFound
	}
	return &Object{ID: objectID, Meta: rec.Meta, Data: rec.Data}, nil
}

// iterateToken walks the records of a token whose id is in [start, end).
// An empty end means the end of the token.
func iterateToken(ctx context.Context, txn *badger.Txn, token placement.Token, start, end string, withTombstones bool, fn func(*badger.Item, Object) error) error {
	prefix := tokenPrefix(token)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(append(append([]byte{}, prefix...), start...)); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		id := string(item.Key()[len(prefix):])
		if end != "" && id >= end {
			return nil
		}
		var rec record
		if err := item.Value(func(v []byte) error { return decodeRecord(v, &rec) }); err != nil {
			return fmt.Errorf("decode %s: %w", id, err)
		}
		if rec.Meta.Deleted && !withTombstones {
			continue
		}
		if err := fn(item, Object{ID: id, Meta: rec.Meta, Data: rec.Data}); err != nil {
			return err
		}
	}
	return nil
}

var json = jsoniter.ConfigFastest

func encodeRecord(rec record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func decodeRecord(val []byte, rec *record) error {
	return json.Unmarshal(val, rec)
}

type badgerLogger struct {
	log logr.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...), "level", "warn")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.V(1).Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.V(2).Info(fmt.Sprintf(format, args...))
}
