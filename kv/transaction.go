package kv

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// TxState is the lifecycle state of a Transaction.
type TxState uint8

const (
	TxOpen TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("TxState(%d)", uint8(s))
	}
}

// Transaction is a unit of work bound to one Engine. Staged operations only
// touch the private overlay, which becomes visible to other readers on
// Commit. A Transaction is driven by a single goroutine.
type Transaction struct {
	engine *Engine
	tid    TID
	state  TxState

	ops      []Operation
	executed int // ops[:executed] have been executed into the overlay
	overlay  *Overlay

	// Block-id cursor: set to the engine's next id on the first Create and
	// advanced once per Create. Applied back to the engine on Commit.
	// cursorStart is the first key of the reserved range.
	cursor      Key
	cursorStart Key
	hasCursor   bool
}

func newTransaction(e *Engine, tid TID) *Transaction {
	return &Transaction{engine: e, tid: tid, overlay: newOverlay()}
}

func (tx *Transaction) TID() TID          { return tx.tid }
func (tx *Transaction) State() TxState    { return tx.state }
func (tx *Transaction) Overlay() *Overlay { return tx.overlay }

// Operations returns the staged operations in insertion order.
func (tx *Transaction) Operations() []Operation {
	return slices.Clone(tx.ops)
}

func (tx *Transaction) reserveKey() Key {
	if !tx.hasCursor {
		tx.cursor = tx.engine.peekNextID()
		tx.cursorStart = tx.cursor
		tx.hasCursor = true
	}
	k := tx.cursor
	tx.cursor++
	return k
}

func (tx *Transaction) stage(op Operation) error {
	if tx.state != TxOpen {
		return errors.Wrapf(ErrTxClosed, "transaction %d is %s", tx.tid, tx.state)
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// ---------------------------------------------------------------------------
// Staging
// ---------------------------------------------------------------------------

// Create stages a new value and returns the key reserved for it.
func (tx *Transaction) Create(value json.RawMessage) (Key, error) {
	if err := checkValue(value); err != nil {
		return 0, err
	}
	if tx.state != TxOpen {
		return 0, errors.Wrapf(ErrTxClosed, "transaction %d is %s", tx.tid, tx.state)
	}
	op := NewCreate(value)
	op.key, op.hasKey = tx.reserveKey(), true
	tx.ops = append(tx.ops, op)
	return op.key, nil
}

// Set stages a replacement. Whether key exists is checked when the
// operation executes, on Flush or Commit.
func (tx *Transaction) Set(key Key, value json.RawMessage) error {
	if err := checkValue(value); err != nil {
		return err
	}
	return tx.stage(NewSet(key, value))
}

// Delete stages a deletion, checked for existence when it executes.
func (tx *Transaction) Delete(key Key) error {
	return tx.stage(NewDelete(key))
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get reads through the overlay to the committed table.
func (tx *Transaction) Get(key Key) (json.RawMessage, bool) {
	v, res := tx.overlay.Lookup(key)
	switch res {
	case Present:
		return v, true
	case Tombstoned:
		return nil, false
	}
	return tx.engine.Get(key)
}

// GetAll merges the committed table with the overlay, overlay winning, and
// returns the live values in key order.
func (tx *Transaction) GetAll() []json.RawMessage {
	committed := tx.engine.snapshotTable()

	keys := tx.overlay.keys()
	committed.each(func(k Key, _ json.RawMessage) bool {
		if _, res := tx.overlay.Lookup(k); res == Inherited {
			keys = append(keys, k)
		}
		return true
	})
	slices.Sort(keys)

	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		v, res := tx.overlay.Lookup(k)
		switch res {
		case Present:
			out = append(out, v)
		case Inherited:
			if cv, ok := committed.get(k); ok {
				out = append(out, cv)
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Flush / Commit / Rollback
// ---------------------------------------------------------------------------

// Flush executes every pending operation in order into the overlay. The
// committed table is not touched. On error the failing operation and the
// ones after it stay pending.
func (tx *Transaction) Flush() error {
	if tx.state != TxOpen {
		return errors.Wrapf(ErrTxClosed, "transaction %d is %s", tx.tid, tx.state)
	}
	for tx.executed < len(tx.ops) {
		op := tx.ops[tx.executed]
		if err := op.Execute(tx); err != nil {
			return err
		}
		tx.executed++
	}
	return nil
}

// Commit flushes, appends the transaction to the log and publishes the
// overlay to the engine, atomically. If any step fails the transaction is
// rolled back and a *CommitError (matching ErrCommitFailed) is returned.
func (tx *Transaction) Commit() error {
	return tx.commit(true)
}

func (tx *Transaction) commit(withWAL bool) error {
	if tx.state != TxOpen {
		return errors.Wrapf(ErrTxClosed, "transaction %d is %s", tx.tid, tx.state)
	}

	e := tx.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return tx.commitLocked(withWAL)
}

// commitLocked runs with e.mu held.
func (tx *Transaction) commitLocked(withWAL bool) error {
	e := tx.engine
	start := time.Now()

	if err := tx.apply(withWAL); err != nil {
		if rbErr := tx.rollback(); rbErr != nil {
			return errors.CombineErrors(rbErr, &CommitError{TID: tx.tid, Err: err})
		}
		e.metrics.commits.WithLabelValues("failed").Inc()
		e.logger.Warn("commit failed, transaction rolled back",
			"tid", tx.tid, "error", err)
		return &CommitError{TID: tx.tid, Err: err}
	}

	tx.state = TxCommitted
	e.metrics.commits.WithLabelValues("committed").Inc()
	e.metrics.commitLatency.Observe(time.Since(start).Seconds())
	e.metrics.keys.Set(float64(e.snapshotTable().len()))
	e.logger.Debug("transaction committed",
		"tid", tx.tid, "ops", len(tx.ops), "wal", withWAL)
	return nil
}

// apply performs the commit sequence. Nothing is visible to readers until
// the final table swap.
func (tx *Transaction) apply(withWAL bool) error {
	if err := tx.Flush(); err != nil {
		return err
	}

	e := tx.engine
	current := e.snapshotTable()

	// Any key handed out since the range was reserved may have been
	// committed and deleted again, which the table alone cannot show.
	if withWAL && tx.hasCursor && tx.cursorStart < e.peekNextID() {
		return errors.Wrapf(ErrKeyCollision,
			"keys from %d were allocated by another commit", tx.cursorStart)
	}

	var idFloor Key
	for _, op := range tx.ops {
		c, ok := op.(*CreateOp)
		if !ok {
			continue
		}
		k, _ := c.Key()
		if current.has(k) {
			return errors.Wrapf(ErrKeyCollision,
				"key %d was committed by another transaction", k)
		}
		idFloor = max(idFloor, k+1)
	}

	next := current.clone()
	for _, k := range tx.overlay.keys() {
		v, res := tx.overlay.Lookup(k)
		if res == Tombstoned {
			next.remove(k)
		} else {
			next.put(k, v)
		}
	}

	if withWAL && len(tx.ops) > 0 {
		if err := e.log.WriteLog(tx); err != nil {
			return err
		}
	}

	e.table.Store(next)
	if tx.hasCursor {
		idFloor = max(idFloor, tx.cursor)
	}
	e.advanceNextID(idFloor)
	return nil
}

// Rollback undoes every executed operation in reverse order and closes the
// transaction. Staged operations that never executed are discarded. An
// undo failure is fatal and returned as a *RollbackError.
func (tx *Transaction) Rollback() error {
	if tx.state != TxOpen {
		return errors.Wrapf(ErrTxClosed, "transaction %d is %s", tx.tid, tx.state)
	}
	return tx.rollback()
}

func (tx *Transaction) rollback() error {
	for i := tx.executed - 1; i >= 0; i-- {
		op := tx.ops[i]
		if err := op.Undo(tx); err != nil {
			lsn, _ := op.LSN()
			return &RollbackError{TID: tx.tid, LSN: lsn, Kind: op.Kind(), Err: err}
		}
	}
	tx.executed = 0
	tx.state = TxRolledBack
	tx.engine.metrics.rollbacks.Inc()
	return nil
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Records returns the log form {lsn: record} of every executed operation.
func (tx *Transaction) Records() map[LSN]Record {
	out := make(map[LSN]Record, tx.executed)
	for _, op := range tx.ops[:tx.executed] {
		if lsn, ok := op.LSN(); ok {
			out[lsn] = op.Record()
		}
	}
	return out
}

// LoadTransaction rebuilds a logged transaction against e, with its
// operations in ascending LSN order. It is not registered with the engine
// until committed.
func LoadTransaction(e *Engine, tid TID, records map[LSN]Record) (*Transaction, error) {
	lsns := make([]LSN, 0, len(records))
	for lsn := range records {
		lsns = append(lsns, lsn)
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })

	tx := newTransaction(e, tid)
	for _, lsn := range lsns {
		op, err := DecodeOperation(lsn, records[lsn])
		if err != nil {
			return nil, errors.Wrapf(err, "transaction %d", tid)
		}
		tx.ops = append(tx.ops, op)
	}
	return tx, nil
}
