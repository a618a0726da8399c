package db

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var _ Store = (*MockStore)(nil)

// MockStore is a thread-safe in-memory [Store]. Tests use it in place of
// Pebble, and it doubles as the volatile backend for an in-memory engine.
//
//	store := db.NewMockStore("snapshot", "wal", "meta")
//	defer store.Close()
type MockStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte // cf -> key -> value
	closed atomic.Bool

	// failWrites, when set, is returned by every write path.
	failWrites atomic.Pointer[error]
	flushes    atomic.Int64
}

// NewMockStore creates a MockStore with the given column families plus
// [DefaultColumnFamily].
func NewMockStore(cfs ...string) *MockStore {
	m := &MockStore{
		data: make(map[string]map[string][]byte, 1+len(cfs)),
	}
	m.data[DefaultColumnFamily] = make(map[string][]byte)
	for _, cf := range cfs {
		m.data[cf] = make(map[string][]byte)
	}
	return m
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (m *MockStore) Get(cf string, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket, err := m.bucket(cf, key)
	if err != nil {
		return nil, err
	}
	v, ok := bucket[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MockStore) Put(cf string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}
	bucket, err := m.bucket(cf, key)
	if err != nil {
		return err
	}
	bucket[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MockStore) Delete(cf string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}
	bucket, err := m.bucket(cf, key)
	if err != nil {
		return err
	}
	delete(bucket, string(key))
	return nil
}

func (m *MockStore) NewBatch() Batch {
	return &mockBatch{store: m}
}

// NewIterator iterates over a sorted copy taken at creation time.
func (m *MockStore) NewIterator(cf string) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return nil, ErrClosed
	}
	bucket, ok := m.data[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}

	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]mockEntry, len(keys))
	for i, k := range keys {
		entries[i] = mockEntry{key: []byte(k), value: append([]byte(nil), bucket[k]...)}
	}
	return &mockIterator{entries: entries, pos: -1}, nil
}

func (m *MockStore) Flush() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.flushes.Add(1)
	return nil
}

// Flushes reports how many times Flush succeeded.
func (m *MockStore) Flushes() int64 { return m.flushes.Load() }

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Swap(true) {
		return ErrClosed
	}
	m.data = nil
	return nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// Len returns the number of keys in cf, or -1 if cf is unknown or the
// store is closed.
func (m *MockStore) Len(cf string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return -1
	}
	bucket, ok := m.data[cf]
	if !ok {
		return -1
	}
	return len(bucket)
}

// FailWrites makes every subsequent write (Put, Delete, batch Commit)
// return err. Pass nil to clear.
func (m *MockStore) FailWrites(err error) {
	if err == nil {
		m.failWrites.Store(nil)
		return
	}
	m.failWrites.Store(&err)
}

func (m *MockStore) writeErr() error {
	if p := m.failWrites.Load(); p != nil {
		return *p
	}
	return nil
}

// bucket validates the call and resolves cf. Callers hold mu.
func (m *MockStore) bucket(cf string, key []byte) (map[string][]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if key == nil {
		return nil, ErrNilKey
	}
	bucket, ok := m.data[cf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, cf)
	}
	return bucket, nil
}

// ---------------------------------------------------------------------------
// Batch
// ---------------------------------------------------------------------------

type mockOp struct {
	del   bool
	cf    string
	key   string
	value []byte
}

type mockBatch struct {
	store  *MockStore
	ops    []mockOp
	closed bool
}

func (b *mockBatch) stage(op mockOp) error {
	if b.closed {
		return ErrBatchClosed
	}
	// Column family names are immutable after construction.
	if _, ok := b.store.data[op.cf]; !ok {
		return fmt.Errorf("%w: %q", ErrColumnFamilyNotFound, op.cf)
	}
	b.ops = append(b.ops, op)
	return nil
}

func (b *mockBatch) Put(cf string, key, value []byte) error {
	if key == nil {
		return ErrNilKey
	}
	return b.stage(mockOp{cf: cf, key: string(key), value: append([]byte(nil), value...)})
}

func (b *mockBatch) Delete(cf string, key []byte) error {
	if key == nil {
		return ErrNilKey
	}
	return b.stage(mockOp{del: true, cf: cf, key: string(key)})
}

func (b *mockBatch) Count() int { return len(b.ops) }

func (b *mockBatch) Commit() error {
	if b.closed {
		return ErrBatchClosed
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.store.closed.Load() {
		return ErrClosed
	}
	if err := b.store.writeErr(); err != nil {
		return err
	}
	for _, op := range b.ops {
		if op.del {
			delete(b.store.data[op.cf], op.key)
		} else {
			b.store.data[op.cf][op.key] = op.value
		}
	}
	return nil
}

func (b *mockBatch) Close() {
	b.closed = true
	b.ops = nil
}

// ---------------------------------------------------------------------------
// Iterator
// ---------------------------------------------------------------------------

type mockEntry struct {
	key   []byte
	value []byte
}

type mockIterator struct {
	entries []mockEntry
	pos     int
}

func (it *mockIterator) First() bool {
	it.pos = 0
	return it.Valid()
}

func (it *mockIterator) Next() bool {
	it.pos++
	return it.Valid()
}

func (it *mockIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *mockIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return append([]byte(nil), it.entries[it.pos].key...)
}

func (it *mockIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return append([]byte(nil), it.entries[it.pos].value...)
}

func (it *mockIterator) Err() error { return nil }
func (it *mockIterator) Close()     {}
