package db

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/cockroachdb/pebble"
)

var _ Store = (*PebbleDB)(nil)

// PebbleDB is the production [Store]. Each column family maps to the byte
// prefix cf+'\x00', so families occupy disjoint sorted key ranges.
type PebbleDB struct {
	db *pebble.DB

	// Immutable after Open.
	prefixes map[string][]byte

	writeOpts *pebble.WriteOptions
	path      string
	logger    logger.Logger

	// Operations hold mu for reading; Close takes it for writing so
	// in-flight calls drain before teardown.
	closed atomic.Bool
	mu     sync.RWMutex
}

// Open creates or opens a Pebble database in dir.
func Open(dir string, opts ...Option) (*PebbleDB, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "db")

	cache := pebble.NewCache(cfg.CacheSize)
	defer cache.Unref()

	pdb, err := pebble.Open(dir, &pebble.Options{
		Cache:        cache,
		MemTableSize: cfg.MemTableSize,
		WALDir:       cfg.WALDir,
		Logger:       pebbleLogger{log.With("source", "pebble")},
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to open %s: %w", dir, err)
	}

	prefixes := make(map[string][]byte, 1+len(cfg.ColumnFamilies))
	prefixes[DefaultColumnFamily] = cfPrefix(DefaultColumnFamily)
	for _, cf := range cfg.ColumnFamilies {
		prefixes[cf] = cfPrefix(cf)
	}

	writeOpts := pebble.NoSync
	if cfg.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Info("database opened",
		"path", dir,
		"column_families", fmt.Sprintf("%v", cfg.ColumnFamilies),
		"sync_writes", cfg.SyncWrites,
	)

	return &PebbleDB{
		db:        pdb,
		prefixes:  prefixes,
		writeOpts: writeOpts,
		path:      dir,
		logger:    log,
	}, nil
}

// pebbleLogger sends Pebble's own event messages to the structured logger
// instead of stderr.
type pebbleLogger struct {
	l logger.Logger
}

func (p pebbleLogger) Infof(format string, args ...any) {
	p.l.Debug(fmt.Sprintf(format, args...))
}

// Fatalf must not return.
func (p pebbleLogger) Fatalf(format string, args ...any) {
	p.l.Error(fmt.Sprintf(format, args...))
	_ = p.l.Sync()
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (p *PebbleDB) Get(cf string, key []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pk, err := p.storageKey(cf, key)
	if err != nil {
		return nil, err
	}

	val, closer, err := p.db.Get(pk)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("db: get failed: %w", err)
	}
	defer closer.Close()

	// val is only valid until closer.Close().
	return append([]byte(nil), val...), nil
}

func (p *PebbleDB) Put(cf string, key, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pk, err := p.storageKey(cf, key)
	if err != nil {
		return err
	}
	if err := p.db.Set(pk, value, p.writeOpts); err != nil {
		return fmt.Errorf("db: put failed: %w", err)
	}
	return nil
}

func (p *PebbleDB) Delete(cf string, key []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pk, err := p.storageKey(cf, key)
	if err != nil {
		return err
	}
	if err := p.db.Delete(pk, p.writeOpts); err != nil {
		return fmt.Errorf("db: delete failed: %w", err)
	}
	return nil
}

func (p *PebbleDB) NewBatch() Batch {
	return &pebbleBatch{owner: p, batch: p.db.NewBatch()}
}

func (p *PebbleDB) NewIterator(cf string) (Iterator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, ErrClosed
	}
	prefix, err := p.cfPrefix(cf)
	if err != nil {
		return nil, err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: cfUpperBound(cf),
	})
	if err != nil {
		return nil, fmt.Errorf("db: new iterator failed: %w", err)
	}
	return &pebbleIterator{iter: iter, prefixLen: len(prefix)}, nil
}

func (p *PebbleDB) Flush() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.db.Flush(); err != nil {
		return fmt.Errorf("db: flush failed: %w", err)
	}
	return nil
}

func (p *PebbleDB) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Swap(true) {
		return ErrClosed
	}

	if err := p.db.Flush(); err != nil {
		p.logger.Error("flush failed during shutdown", "error", err)
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("db: close failed: %w", err)
	}

	p.logger.Info("database closed", "path", p.path)
	return nil
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

type pebbleBatch struct {
	owner  *PebbleDB
	batch  *pebble.Batch
	closed bool
}

func (b *pebbleBatch) Put(cf string, key, value []byte) error {
	if b.closed {
		return ErrBatchClosed
	}
	pk, err := b.owner.storageKey(cf, key)
	if err != nil {
		return err
	}
	if err := b.batch.Set(pk, value, nil); err != nil {
		return fmt.Errorf("db: batch put failed: %w", err)
	}
	return nil
}

func (b *pebbleBatch) Delete(cf string, key []byte) error {
	if b.closed {
		return ErrBatchClosed
	}
	pk, err := b.owner.storageKey(cf, key)
	if err != nil {
		return err
	}
	if err := b.batch.Delete(pk, nil); err != nil {
		return fmt.Errorf("db: batch delete failed: %w", err)
	}
	return nil
}

func (b *pebbleBatch) Count() int { return int(b.batch.Count()) }

func (b *pebbleBatch) Commit() error {
	if b.closed {
		return ErrBatchClosed
	}

	b.owner.mu.RLock()
	defer b.owner.mu.RUnlock()

	if b.owner.closed.Load() {
		return ErrClosed
	}
	if err := b.batch.Commit(b.owner.writeOpts); err != nil {
		return fmt.Errorf("db: batch commit failed: %w", err)
	}
	return nil
}

func (b *pebbleBatch) Close() {
	if !b.closed {
		_ = b.batch.Close()
		b.closed = true
	}
}

// ---------------------------------------------------------------------------
// Iterator
// ---------------------------------------------------------------------------

type pebbleIterator struct {
	iter      *pebble.Iterator
	prefixLen int
	err       error
	closed    bool
}

func (it *pebbleIterator) First() bool { return it.iter.First() }
func (it *pebbleIterator) Next() bool  { return it.iter.Next() }
func (it *pebbleIterator) Valid() bool { return it.iter.Valid() }

func (it *pebbleIterator) Key() []byte {
	raw := it.iter.Key()
	if len(raw) < it.prefixLen {
		return nil
	}
	return append([]byte(nil), raw[it.prefixLen:]...)
}

func (it *pebbleIterator) Value() []byte {
	val, err := it.iter.ValueAndErr()
	if err != nil {
		it.err = err
		return nil
	}
	return append([]byte(nil), val...)
}

func (it *pebbleIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

func (it *pebbleIterator) Close() {
	if !it.closed {
		_ = it.iter.Close()
		it.closed = true
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// storageKey validates the call and returns prefix+key. Callers hold mu.
func (p *PebbleDB) storageKey(cf string, key []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if key == nil {
		return nil, ErrNilKey
	}
	prefix, err := p.cfPrefix(cf)
	if err != nil {
		return nil, err
	}
	pk := make([]byte, 0, len(prefix)+len(key))
	pk = append(pk, prefix...)
	return append(pk, key...), nil
}

func (p *PebbleDB) cfPrefix(cf string) ([]byte, error) {
	prefix, ok := p.prefixes[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	return prefix, nil
}

// cfPrefix is "cf\x00".
func cfPrefix(cf string) []byte {
	return append([]byte(cf), 0x00)
}

// cfUpperBound is the exclusive iteration bound "cf\x01".
func cfUpperBound(cf string) []byte {
	return append([]byte(cf), 0x01)
}
