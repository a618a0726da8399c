// Package kv is an embedded transactional key-value store: a committed table
// kept in memory, a durable operation log (WAL), and explicit transactions
// that stage Create/Set/Delete operations in a private overlay before
// committing them atomically.
//
// Recovery is two-phase. Open loads the last snapshot, then replays every
// logged transaction the snapshot does not reflect.
//
//	e, err := kv.OpenDir("./data")
//	if err != nil { ... }
//	defer e.Close()
//
//	err = e.Update(func(tx *kv.Transaction) error {
//		key, err := tx.Create(json.RawMessage(`{"title":"Dune"}`))
//		...
//	})
package kv

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Key addresses a stored value. Keys come from a monotonic counter and are
// never reused.
type Key uint64

// TID identifies a transaction.
type TID uint64

// LSN is the log sequence number of a single operation.
type LSN uint64

// Column families the engine persists into.
const (
	CFSnapshot = "snapshot"
	CFLog      = "wal"
	CFMeta     = "meta"
)

// ColumnFamilies lists every family a db.Store must register for Open.
func ColumnFamilies() []string {
	return []string{CFSnapshot, CFLog, CFMeta}
}

var (
	snapshotKey = []byte("state")
	markerKey   = []byte("replay_from")
)

func checkValue(v json.RawMessage) error {
	if len(v) == 0 || !json.Valid(v) {
		return ErrInvalidValue
	}
	return nil
}

func encodeUint(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Wrapf(ErrLogCorrupt, "bad integer encoding of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
