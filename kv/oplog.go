package kv

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/beyondbrewing/walkv/db"
	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/cockroachdb/errors"
)

// Log is the full durable log: tid -> lsn -> record.
type Log map[TID]map[LSN]Record

// OperationLog is the write-ahead log of committed transactions. Each
// transaction is one entry in the wal column family; the replay marker
// lives in the meta column family.
//
// Lock order: the engine's commit lock, then mu.
type OperationLog struct {
	store  db.Store
	logger logger.Logger

	mu      sync.Mutex
	entries Log

	// replayFrom is the lowest tid not yet reflected in the committed
	// table of this process. checkpoint is its persisted counterpart,
	// written together with a snapshot.
	replayFrom TID
	checkpoint TID
}

// openOperationLog loads every entry and the persisted marker.
func openOperationLog(store db.Store, log logger.Logger) (*OperationLog, error) {
	l := &OperationLog{
		store:   store,
		logger:  log,
		entries: make(Log),
	}

	raw, err := store.Get(CFMeta, markerKey)
	switch {
	case err == nil:
		m, err := decodeUint(raw)
		if err != nil {
			return nil, errors.Wrap(err, "replay marker")
		}
		l.replayFrom, l.checkpoint = TID(m), TID(m)
	case !errors.Is(err, db.ErrKeyNotFound):
		return nil, errors.Wrap(err, "kv: read replay marker")
	}

	it, err := store.NewIterator(CFLog)
	if err != nil {
		return nil, errors.Wrap(err, "kv: open log")
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		tid, err := decodeUint(it.Key())
		if err != nil {
			return nil, errors.Wrap(err, "log entry key")
		}
		var recs map[LSN]Record
		if err := json.Unmarshal(it.Value(), &recs); err != nil {
			return nil, errors.Wrapf(ErrLogCorrupt, "log entry %d: %v", tid, err)
		}
		l.entries[TID(tid)] = recs
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrap(err, "kv: scan log")
	}
	return l, nil
}

// WriteLog merges the transaction's records into its log entry and returns
// once the write is on stable storage.
func (l *OperationLog) WriteLog(tx *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tid := tx.TID()
	// Entries land in tid order so replay and UndoLast see commit order.
	// Anything below replayFrom is either in the log or in the snapshot.
	if tid < l.replayFrom {
		return errors.Wrapf(ErrStaleTransaction,
			"tid %d is below the replay marker %d", tid, l.replayFrom)
	}

	merged := maps.Clone(l.entries[tid])
	if merged == nil {
		merged = make(map[LSN]Record)
	}
	maps.Copy(merged, tx.Records())

	buf, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrapf(err, "kv: encode log entry %d", tid)
	}
	if err := l.store.Put(CFLog, encodeUint(uint64(tid)), buf); err != nil {
		return errors.Wrapf(err, "kv: write log entry %d", tid)
	}

	l.entries[tid] = merged
	l.replayFrom = max(l.replayFrom, tid+1)
	return nil
}

// GetLog returns a deep copy of the log.
func (l *OperationLog) GetLog() Log {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(Log, len(l.entries))
	for tid, recs := range l.entries {
		out[tid] = maps.Clone(recs)
	}
	return out
}

// ClearLog durably empties the log and resets the persisted marker. Only
// safe right after a snapshot the caller trusts; see Engine.Checkpoint.
func (l *OperationLog) ClearLog() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.store.NewBatch()
	defer b.Close()
	if err := l.stageClear(b); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return errors.Wrap(err, "kv: clear log")
	}
	l.cleared()
	return nil
}

// LastProcessed reports the highest tid reflected in the committed table,
// or false when nothing has been processed.
func (l *OperationLog) LastProcessed() (TID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayFrom == 0 {
		return 0, false
	}
	return l.replayFrom - 1, true
}

// ApplyLog replays, in ascending tid order, every entry at or after the
// replay marker, committing each against e without writing to the log. The
// marker advances after each transaction, so a failed replay resumes from
// the failing entry on the next call.
func (l *OperationLog) ApplyLog(e *Engine) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, tid := range l.pending() {
		l.mu.Lock()
		recs := l.entries[tid]
		l.mu.Unlock()

		tx, err := LoadTransaction(e, tid, recs)
		if err != nil {
			return err
		}
		if err := tx.commitLocked(false); err != nil {
			return errors.Wrapf(err, "kv: replay transaction %d", tid)
		}
		e.observe(tx)

		l.mu.Lock()
		l.replayFrom = tid + 1
		l.mu.Unlock()

		e.metrics.replayed.Inc()
		l.logger.Debug("replayed transaction", "tid", tid, "ops", len(recs))
	}
	return nil
}

// UndoLast reverts the most recently logged transaction in the committed
// table and drops its log entry. Transactions already covered by a
// persisted snapshot cannot be undone.
func (l *OperationLog) UndoLast(e *Engine) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l.mu.Lock()
	if len(l.entries) == 0 {
		l.mu.Unlock()
		return ErrNothingToUndo
	}
	tid := slices.Max(slices.Collect(maps.Keys(l.entries)))
	recs := l.entries[tid]
	stale := tid < l.checkpoint
	l.mu.Unlock()

	if stale {
		return errors.Wrapf(ErrNothingToUndo, "transaction %d is covered by the last snapshot", tid)
	}

	orig, err := LoadTransaction(e, tid, recs)
	if err != nil {
		return err
	}
	inverse, err := invert(e, orig)
	if err != nil {
		return err
	}

	key := encodeUint(uint64(tid))
	if err := l.store.Delete(CFLog, key); err != nil {
		return errors.Wrapf(err, "kv: drop log entry %d", tid)
	}
	if err := inverse.commitLocked(false); err != nil {
		// Put the entry back so the log still matches the table.
		if buf, mErr := json.Marshal(recs); mErr == nil {
			if pErr := l.store.Put(CFLog, key, buf); pErr != nil {
				err = errors.CombineErrors(err, pErr)
			}
		}
		return errors.Wrapf(err, "kv: undo transaction %d", tid)
	}

	l.mu.Lock()
	delete(l.entries, tid)
	if l.replayFrom == tid+1 {
		l.replayFrom = tid
	}
	l.mu.Unlock()

	l.logger.Info("undid last transaction", "tid", tid, "ops", len(recs))
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// pending lists logged tids at or after the marker, ascending.
func (l *OperationLog) pending() []TID {
	l.mu.Lock()
	defer l.mu.Unlock()

	tids := make([]TID, 0, len(l.entries))
	for tid := range l.entries {
		if tid >= l.replayFrom {
			tids = append(tids, tid)
		}
	}
	slices.Sort(tids)
	return tids
}

// seal commits b together with the log side of a snapshot. With truncate
// every entry is deleted and the marker reset to zero. Otherwise the marker
// moves past every tid the committed table reflects, so a reopen replays
// only what comes after the snapshot in b.
func (l *OperationLog) seal(b db.Batch, truncate bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	marker := l.replayFrom
	if truncate {
		if err := l.stageClear(b); err != nil {
			return err
		}
	} else if err := stageMarker(b, marker); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return errors.Wrap(err, "kv: write snapshot")
	}

	if truncate {
		l.cleared()
	} else {
		l.checkpoint = marker
	}
	return nil
}

func stageMarker(b db.Batch, m TID) error {
	if err := b.Put(CFMeta, markerKey, encodeUint(uint64(m))); err != nil {
		return errors.Wrap(err, "kv: stage replay marker")
	}
	return nil
}

// stageClear adds deletion of every entry plus a zero marker to b. Caller
// holds mu.
func (l *OperationLog) stageClear(b db.Batch) error {
	for tid := range l.entries {
		if err := b.Delete(CFLog, encodeUint(uint64(tid))); err != nil {
			return errors.Wrapf(err, "kv: stage delete of log entry %d", tid)
		}
	}
	return stageMarker(b, 0)
}

// cleared resets in-memory state after a committed stageClear. Caller
// holds mu.
func (l *OperationLog) cleared() {
	l.entries = make(Log)
	l.checkpoint = 0
}

// invert builds a transaction that undoes orig against the committed table.
func invert(e *Engine, orig *Transaction) (*Transaction, error) {
	inv := newTransaction(e, orig.TID())
	ops := orig.ops
	for i := len(ops) - 1; i >= 0; i-- {
		lsn, _ := ops[i].LSN()
		switch op := ops[i].(type) {
		case *CreateOp:
			k, _ := op.Key()
			inv.ops = append(inv.ops, NewDelete(k))
		case *SetOp:
			if op.Previous() == nil {
				return nil, errors.Wrapf(ErrInvalidOperation, "lsn %d: set without a previous value", lsn)
			}
			inv.ops = append(inv.ops, NewSet(op.Key(), op.Previous()))
		case *DeleteOp:
			if op.Previous() == nil {
				return nil, errors.Wrapf(ErrInvalidOperation, "lsn %d: delete without a previous value", lsn)
			}
			c := NewCreate(op.Previous())
			c.key, c.hasKey = op.Key(), true
			inv.ops = append(inv.ops, c)
		}
	}
	return inv, nil
}
