package kv

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/beyondbrewing/walkv/db"
	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) json.RawMessage { return json.RawMessage(strconv.Quote(s)) }

func strs(ss ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(ss))
	for i, s := range ss {
		out[i] = str(s)
	}
	return out
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := OpenInMemory(WithLogger(logger.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// newEngineOn opens an engine over store without closing it, so a second
// engine can recover from the same store.
func newEngineOn(t *testing.T, store db.Store) *Engine {
	t.Helper()
	e, err := Open(store, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	return e
}

func commitCreate(t *testing.T, e *Engine, s string) Key {
	t.Helper()
	tx := e.Begin()
	k, err := tx.Create(str(s))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return k
}

func TestEngineCreateReturnsFirstKey(t *testing.T) {
	e := newEngine(t)

	k, err := e.Create(str("x"))
	require.NoError(t, err)
	assert.Equal(t, Key(0), k)

	got, ok := e.Get(0)
	require.True(t, ok)
	assert.Equal(t, str("x"), got)
}

func TestEngineDirectWrites(t *testing.T) {
	e := newEngine(t)

	a, err := e.Create(str("a"))
	require.NoError(t, err)
	b, err := e.Create(str("b"))
	require.NoError(t, err)
	assert.Equal(t, Key(1), b)

	require.NoError(t, e.Set(a, str("a2")))
	assert.ErrorIs(t, e.Set(5, str("v")), ErrNotFound)

	require.NoError(t, e.Delete(b))
	require.NoError(t, e.Delete(b))
	require.NoError(t, e.Delete(42))

	assert.Equal(t, strs("a2"), e.GetAll())

	// Keys are never reused.
	c, err := e.Create(str("c"))
	require.NoError(t, err)
	assert.Equal(t, Key(2), c)
}

func TestEngineRejectsInvalidValues(t *testing.T) {
	e := newEngine(t)

	for _, v := range []json.RawMessage{nil, {}, json.RawMessage(`{"broken"`)} {
		_, err := e.Create(v)
		assert.ErrorIs(t, err, ErrInvalidValue)
	}

	k, err := e.Create(json.RawMessage(`{"title":"Dune"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Set(k, nil), ErrInvalidValue)
}

func TestCountersReadAndIncrement(t *testing.T) {
	e := newEngine(t)

	assert.Equal(t, Key(0), e.NextID())
	assert.Equal(t, Key(1), e.NextID())
	assert.Equal(t, TID(0), e.NextTID())
	assert.Equal(t, LSN(0), e.NextLSN())
	assert.Equal(t, LSN(1), e.NextLSN())

	assert.Equal(t, TID(1), e.Begin().TID())
}

func TestUpdate(t *testing.T) {
	e := newEngine(t)

	t.Run("commits on nil", func(t *testing.T) {
		var k Key
		err := e.Update(func(tx *Transaction) error {
			var err error
			k, err = tx.Create(str("a"))
			return err
		})
		require.NoError(t, err)

		got, ok := e.Get(k)
		require.True(t, ok)
		assert.Equal(t, str("a"), got)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		before := e.GetAll()
		err := e.Update(func(tx *Transaction) error {
			if _, err := tx.Create(str("b")); err != nil {
				return err
			}
			if err := tx.Flush(); err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, before, e.GetAll())
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		before := e.GetAll()
		assert.PanicsWithValue(t, "boom", func() {
			_ = e.Update(func(tx *Transaction) error {
				_, _ = tx.Create(str("c"))
				panic("boom")
			})
		})
		assert.Equal(t, before, e.GetAll())

		// The commit lock is not held across fn.
		require.NoError(t, e.Update(func(tx *Transaction) error {
			_, err := tx.Create(str("d"))
			return err
		}))
	})

	t.Run("surfaces commit failure", func(t *testing.T) {
		err := e.Update(func(tx *Transaction) error {
			return tx.Set(99, str("v"))
		})
		assert.ErrorIs(t, err, ErrCommitFailed)
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := OpenInMemory(WithLogger(logger.NewNop()), WithRegisterer(reg))
	require.NoError(t, err)
	defer e.Close()

	commitCreate(t, e, "a")
	commitCreate(t, e, "b")

	tx := e.Begin()
	require.NoError(t, tx.Set(7, str("v")))
	require.Error(t, tx.Commit())

	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.commits.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.commits.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.rollbacks))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.keys))

	n, err := testutil.GatherAndCount(reg, "walkv_commits_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCloseTwice(t *testing.T) {
	e, err := OpenInMemory(WithLogger(logger.NewNop()))
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Close(), db.ErrClosed)
}

func TestCheckpointFlushesStore(t *testing.T) {
	store := db.NewMockStore(ColumnFamilies()...)
	e := newEngineOn(t, store)
	defer e.Close()

	commitCreate(t, e, "a")
	require.NoError(t, e.Snapshot())
	assert.Zero(t, store.Flushes())

	require.NoError(t, e.Checkpoint())
	assert.EqualValues(t, 1, store.Flushes())
}
