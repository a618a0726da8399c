package kv

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Test for them with errors.Is; most are returned wrapped
// with the key, tid or LSN involved.
var (
	ErrNotFound         = errors.New("kv: key not found")
	ErrInvalidOperation = errors.New("kv: invalid operation")
	ErrLogCorrupt       = errors.New("kv: log or snapshot is corrupt")
	ErrCommitFailed     = errors.New("kv: commit failed")
	ErrRollbackFailed   = errors.New("kv: rollback failed")
	ErrTxClosed         = errors.New("kv: transaction is closed")
	ErrKeyCollision     = errors.New("kv: key already exists")
	ErrInvalidValue     = errors.New("kv: value must be a non-empty JSON document")
	ErrUnknownOperation = errors.New("kv: unknown operation")
	ErrStaleTransaction = errors.New("kv: transaction began before the last snapshot")
	ErrNothingToUndo    = errors.New("kv: nothing to undo")
)

// CommitError is returned by Commit after the transaction has been rolled
// back. It matches ErrCommitFailed and unwraps to the triggering error.
type CommitError struct {
	TID TID
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("kv: commit of transaction %d failed: %v", e.TID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) Is(target error) bool { return target == ErrCommitFailed }

// RollbackError reports an undo that failed. It is not recoverable: the
// overlay of the transaction is in an unknown state.
type RollbackError struct {
	TID  TID
	LSN  LSN
	Kind Kind
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("kv: rollback of transaction %d failed at %s (lsn %d): %v",
		e.TID, e.Kind, e.LSN, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

func (e *RollbackError) Is(target error) bool { return target == ErrRollbackFailed }
