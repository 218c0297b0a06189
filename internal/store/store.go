// Package store is the durable ordered key-value layer. It is partitioned
// into three logical stores: txstore (blocks, transactions, funding
// outputs, confirmations), history (the per-script index, dominates total
// size) and cache (derivable aggregates, safe to wipe at any time).
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/meridianbtc/meridian/internal/logging"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrSchemaVersion = errors.New("incompatible database schema version")
)

// FlushMode controls whether a batch commit waits for the WAL fsync.
type FlushMode int

const (
	FlushAsync FlushMode = iota
	FlushSync
)

type Options struct {
	CreateIfMissing        bool
	DisableAutoCompactions bool
	WriteBufferBytes       uint64
	TargetSSTBytes         int64
	CompressionOff         bool
	Parallelism            int
}

func DefaultOptions() Options {
	return Options{
		CreateIfMissing:  true,
		WriteBufferBytes: 256 << 20,
		TargetSSTBytes:   256 << 20,
		Parallelism:      4,
	}
}

// DB is one logical store.
type DB struct {
	db   *pebble.DB
	path string
	opts Options
}

// Store bundles the three logical stores under <db_path>/newindex/.
type Store struct {
	Txstore *DB
	History *DB
	Cache   *DB
}

func pebbleOptions(opts Options) *pebble.Options {
	compression := pebble.SnappyCompression
	if opts.CompressionOff {
		compression = pebble.NoCompression
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	popts := &pebble.Options{
		DisableAutomaticCompactions: opts.DisableAutoCompactions,
		MemTableSize:                opts.WriteBufferBytes,
		MaxConcurrentCompactions:    func() int { return parallelism },
		ErrorIfNotExists:            !opts.CreateIfMissing,
	}
	popts.Levels = make([]pebble.LevelOptions, 1)
	popts.Levels[0].Compression = compression
	popts.Levels[0].TargetFileSize = opts.TargetSSTBytes
	return popts
}

func openDB(dbPath string, opts Options) (*DB, error) {
	db, err := pebble.Open(dbPath, pebbleOptions(opts))
	if err != nil {
		logging.L.Err(err).Str("path", dbPath).Msg("error opening db")
		return nil, err
	}
	return &DB{db: db, path: dbPath, opts: opts}, nil
}

// Open opens the three stores and verifies the schema version recorded in
// txstore. A version mismatch is fatal by contract.
func Open(basePath string, opts Options) (*Store, error) {
	root := path.Join(basePath, "newindex")
	txstore, err := openDB(path.Join(root, "txstore"), opts)
	if err != nil {
		return nil, err
	}
	history, err := openDB(path.Join(root, "history"), opts)
	if err != nil {
		txstore.Close()
		return nil, err
	}
	cache, err := openDB(path.Join(root, "cache"), opts)
	if err != nil {
		txstore.Close()
		history.Close()
		return nil, err
	}

	s := &Store{Txstore: txstore, History: history, Cache: cache}
	if err := s.verifyCompatibility(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) verifyCompatibility() error {
	data, err := s.Txstore.Get(KeyVersion)
	if errors.Is(err, ErrNotFound) {
		var value [4]byte
		binary.LittleEndian.PutUint32(value[:], currentSchemaVersion)
		return s.Txstore.Write([]Row{{Key: KeyVersion, Value: value[:]}}, FlushSync)
	}
	if err != nil {
		return err
	}
	if len(data) != 4 {
		return fmt.Errorf("%w: malformed version row", ErrSchemaVersion)
	}
	if got := binary.LittleEndian.Uint32(data); got != currentSchemaVersion {
		return fmt.Errorf("%w: found %d, want %d", ErrSchemaVersion, got, currentSchemaVersion)
	}
	return nil
}

const currentSchemaVersion uint32 = 1

func (s *Store) Close() {
	for _, d := range []*DB{s.Txstore, s.History, s.Cache} {
		if d != nil {
			d.Close()
		}
	}
	logging.L.Debug().Msg("stores closed")
}

// ReopenForNormalOps closes and reopens all three stores with automatic
// compactions enabled. Must only be called while no reads or writes are in
// flight; the main composition does this once, after the initial bulk load
// and before the servers start.
func (s *Store) ReopenForNormalOps() error {
	for _, d := range []*DB{s.Txstore, s.History, s.Cache} {
		if err := d.db.Close(); err != nil {
			logging.L.Err(err).Str("path", d.path).Msg("error closing db for reopen")
			return err
		}
		opts := d.opts
		opts.DisableAutoCompactions = false
		db, err := pebble.Open(d.path, pebbleOptions(opts))
		if err != nil {
			logging.L.Err(err).Str("path", d.path).Msg("error reopening db")
			return err
		}
		d.db = db
		d.opts = opts
	}
	return nil
}

func (d *DB) Close() {
	if err := d.db.Close(); err != nil {
		logging.L.Err(err).Str("path", d.path).Msg("error closing db")
	}
}

// Write commits rows as one atomic batch, sorted by key for locality.
func (d *DB) Write(rows []Row, mode FlushMode) error {
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].Key, rows[j].Key) < 0
	})
	batch := d.db.NewBatch()
	defer batch.Close()
	for _, row := range rows {
		if err := batch.Set(row.Key, row.Value, nil); err != nil {
			logging.L.Err(err).Msg("error building batch")
			return err
		}
	}
	wopts := pebble.NoSync
	if mode == FlushSync {
		wopts = pebble.Sync
	}
	if err := batch.Commit(wopts); err != nil {
		logging.L.Err(err).Msg("error committing batch")
		return err
	}
	return nil
}

// Delete removes keys as one atomic batch. Only the cache store uses this;
// txstore and history rows are never deleted.
func (d *DB) Delete(keys [][]byte) error {
	batch := d.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		logging.L.Err(err).Msg("error committing delete batch")
		return err
	}
	return nil
}

// Get returns a copy of the value at key, or ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	value, closer, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		logging.L.Err(err).Hex("key", key).Msg("error reading key")
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// MultiGet point-reads all keys; absent keys yield nil entries.
func (d *DB) MultiGet(keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := d.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

// Iter is a lazy ordered cursor over a key range.
type Iter struct {
	it      *pebble.Iterator
	reverse bool
	started bool
}

// Iter scans [lower, upper) in ascending key order.
func (d *DB) Iter(lower, upper []byte) (*Iter, error) {
	it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		logging.L.Err(err).Msg("error creating iterator")
		return nil, err
	}
	return &Iter{it: it}, nil
}

// IterReverse scans [lower, upper) in descending key order.
func (d *DB) IterReverse(lower, upper []byte) (*Iter, error) {
	it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		logging.L.Err(err).Msg("error creating iterator")
		return nil, err
	}
	return &Iter{it: it, reverse: true}, nil
}

func (i *Iter) Next() bool {
	if !i.started {
		i.started = true
		if i.reverse {
			return i.it.Last()
		}
		return i.it.First()
	}
	if i.reverse {
		return i.it.Prev()
	}
	return i.it.Next()
}

// Key is only valid until the next call to Next.
func (i *Iter) Key() []byte { return i.it.Key() }

// Value is only valid until the next call to Next.
func (i *Iter) Value() []byte { return i.it.Value() }

func (i *Iter) Close() error { return i.it.Close() }

// Flush persists the in-memory memtable.
func (d *DB) Flush() error {
	if err := d.db.Flush(); err != nil {
		logging.L.Err(err).Str("path", d.path).Msg("error flushing db")
		return err
	}
	return nil
}

// Compact triggers a major compaction over the whole key space.
func (d *DB) Compact() error {
	// 0xff... sorts after every key the schema produces
	end := bytes.Repeat([]byte{0xff}, 40)
	if err := d.db.Compact([]byte{0x00}, end, true); err != nil {
		logging.L.Err(err).Str("path", d.path).Msg("error compacting db")
		return err
	}
	return nil
}

// CompactAll runs a major compaction on all three stores.
func (s *Store) CompactAll() error {
	for _, d := range []*DB{s.Txstore, s.History, s.Cache} {
		logging.L.Info().Str("path", d.path).Msg("starting full compaction")
		if err := d.Compact(); err != nil {
			return err
		}
	}
	return nil
}
