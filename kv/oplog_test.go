package kv

import (
	"testing"

	"github.com/beyondbrewing/walkv/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLogRecordsCommittedTransactions(t *testing.T) {
	e := newEngine(t)

	tx := e.Begin()
	k, err := tx.Create(str("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Set(k, str("b")))
	require.NoError(t, tx.Commit())

	log := e.Log().GetLog()
	require.Len(t, log, 1)
	entry := log[tx.TID()]
	require.Len(t, entry, 2)

	create, set := entry[0], entry[1]
	assert.Equal(t, KindCreate, create.Operation)
	require.NotNil(t, create.Key)
	assert.Equal(t, k, *create.Key)
	assert.Equal(t, str("a"), create.Value)

	assert.Equal(t, KindSet, set.Operation)
	assert.Equal(t, str("b"), set.Value)
	assert.Equal(t, str("a"), set.PreviousValue)
}

func TestGetLogReturnsCopy(t *testing.T) {
	e := newEngine(t)
	commitCreate(t, e, "a")

	log := e.Log().GetLog()
	delete(log[0], 0)
	delete(log, 0)

	fresh := e.Log().GetLog()
	require.Len(t, fresh, 1)
	assert.Len(t, fresh[0], 1)
}

func TestClearLog(t *testing.T) {
	store := db.NewMockStore(ColumnFamilies()...)
	e := newEngineOn(t, store)
	defer e.Close()

	commitCreate(t, e, "a")
	commitCreate(t, e, "b")
	require.Equal(t, 2, store.Len(CFLog))

	require.NoError(t, e.Log().ClearLog())
	assert.Empty(t, e.Log().GetLog())
	assert.Equal(t, 0, store.Len(CFLog))

	// The table is untouched and new commits keep logging.
	assert.Equal(t, strs("a", "b"), e.GetAll())
	commitCreate(t, e, "c")
	assert.Len(t, e.Log().GetLog(), 1)
}

func TestApplyLogRebuildsState(t *testing.T) {
	store := db.NewMockStore(ColumnFamilies()...)
	first := newEngineOn(t, store)

	a := commitCreate(t, first, "a")
	b := commitCreate(t, first, "b")
	require.NoError(t, first.Update(func(tx *Transaction) error {
		if err := tx.Set(a, str("a2")); err != nil {
			return err
		}
		return tx.Delete(b)
	}))
	commitCreate(t, first, "c")

	second := newEngineOn(t, store)
	assert.Equal(t, first.GetAll(), second.GetAll())
	assert.Equal(t, strs("a2", "c"), second.GetAll())

	last, ok := second.Log().LastProcessed()
	require.True(t, ok)
	assert.Equal(t, TID(3), last)

	// Counters moved past everything replayed.
	assert.Equal(t, TID(4), second.Begin().TID())
	assert.Equal(t, Key(3), commitCreate(t, second, "d"))
}

func TestApplyLogIsIncremental(t *testing.T) {
	e := newEngine(t)

	_, ok := e.Log().LastProcessed()
	assert.False(t, ok)

	commitCreate(t, e, "a")
	last, ok := e.Log().LastProcessed()
	require.True(t, ok)
	assert.Equal(t, TID(0), last)

	// Already-applied entries are not replayed again.
	require.NoError(t, e.Sync())
	require.NoError(t, e.Sync())
	assert.Equal(t, strs("a"), e.GetAll())
}

func TestUndoLast(t *testing.T) {
	store := db.NewMockStore(ColumnFamilies()...)
	e := newEngineOn(t, store)

	k := commitCreate(t, e, "a")
	require.NoError(t, e.Update(func(tx *Transaction) error { return tx.Set(k, str("b")) }))
	require.NoError(t, e.Update(func(tx *Transaction) error { return tx.Delete(k) }))
	require.Empty(t, e.GetAll())

	require.NoError(t, e.Log().UndoLast(e))
	assert.Equal(t, strs("b"), e.GetAll())
	assert.Len(t, e.Log().GetLog(), 2)

	// Undo survives recovery.
	reopened := newEngineOn(t, store)
	assert.Equal(t, strs("b"), reopened.GetAll())

	require.NoError(t, e.Log().UndoLast(e))
	assert.Equal(t, strs("a"), e.GetAll())

	require.NoError(t, e.Log().UndoLast(e))
	assert.Empty(t, e.GetAll())
	assert.Empty(t, e.Log().GetLog())

	assert.ErrorIs(t, e.Log().UndoLast(e), ErrNothingToUndo)
}

func TestUndoLastStopsAtSnapshot(t *testing.T) {
	e := newEngine(t)
	commitCreate(t, e, "a")
	require.NoError(t, e.Snapshot())

	assert.ErrorIs(t, e.Log().UndoLast(e), ErrNothingToUndo)
	assert.Equal(t, strs("a"), e.GetAll())
}

func TestUndoLastRestoresLogOnFailure(t *testing.T) {
	e := newEngine(t)
	k := commitCreate(t, e, "a")

	require.NoError(t, e.Update(func(tx *Transaction) error { return tx.Delete(k) }))

	// A write behind the log's back makes the inverse create collide.
	e.snapshotTable().put(k, str("intruder"))

	err := e.Log().UndoLast(e)
	assert.ErrorIs(t, err, ErrKeyCollision)
	assert.Len(t, e.Log().GetLog(), 2)
}

func TestCommitBelowSnapshotMarkerIsStale(t *testing.T) {
	e := newEngine(t)

	early := e.Begin()
	commitCreate(t, e, "a")
	require.NoError(t, e.Snapshot())

	_, err := early.Create(str("late"))
	require.NoError(t, err)
	err = early.Commit()
	assert.ErrorIs(t, err, ErrStaleTransaction)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, strs("a"), e.GetAll())
}
