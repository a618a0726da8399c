// Package db is the durable byte-level layer underneath the walkv engine.
// It exposes logical column families (simulated with key prefixes), atomic
// batch writes and forward iteration, and it is the only place that touches
// stable storage.
//
// The primary interface is [Store], satisfied by [PebbleDB] (production) and
// [MockStore] (tests, and the in-memory write-ahead log). Create instances
// with [Open] or [NewMockStore] and hand them to kv.Open.
package db

import (
	"errors"
	"io"
)

// Sentinel errors returned by Store implementations.
var (
	ErrClosed               = errors.New("db: database is closed")
	ErrColumnFamilyNotFound = errors.New("db: column family not found")
	ErrKeyNotFound          = errors.New("db: key not found")
	ErrNilKey               = errors.New("db: key must not be nil")
	ErrBatchClosed          = errors.New("db: batch is closed")
)

// DefaultColumnFamily is always registered.
const DefaultColumnFamily = "default"

// Store is the contract the engine persists through.
// All methods are safe for concurrent use.
type Store interface {
	// Get returns ErrKeyNotFound if the key does not exist.
	Get(cf string, key []byte) ([]byte, error)

	Put(cf string, key []byte, value []byte) error

	// Delete of a missing key is not an error.
	Delete(cf string, key []byte) error

	// NewBatch returns an atomic write batch. Close must be called even
	// after Commit.
	NewBatch() Batch

	// NewIterator walks one column family in ascending key order. The
	// caller must Close it.
	NewIterator(cf string) (Iterator, error)

	// Flush writes the memtable out to sorted files so the store's own
	// WAL can be recycled.
	Flush() error

	// Close flushes and releases all resources. Every later call returns
	// ErrClosed.
	io.Closer
}

// Batch buffers writes and applies them atomically on Commit. When the
// store was opened with SyncWrites, Commit does not return until the batch
// is on stable storage.
type Batch interface {
	Put(cf string, key []byte, value []byte) error
	Delete(cf string, key []byte) error
	Count() int
	Commit() error
	Close()
}

// Iterator is a forward cursor over one column family. Key and Value return
// copies with the column family prefix stripped.
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Err() error
	Close()
}
