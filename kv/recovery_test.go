package kv

import (
	"os"
	"testing"

	"github.com/beyondbrewing/walkv/db"
	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDir(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := OpenDir(dir, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	return e
}

// rawStore writes directly into an engine directory.
func rawStore(t *testing.T, dir string, fn func(s db.Store)) {
	t.Helper()
	s, err := db.Open(dir,
		db.WithColumnFamilies(ColumnFamilies()...),
		db.WithLogger(logger.NewNop()),
	)
	require.NoError(t, err)
	fn(s)
	require.NoError(t, s.Close())
}

func TestReopenReplaysLog(t *testing.T) {
	dir := t.TempDir()

	e := openDir(t, dir)
	commitCreate(t, e, "a")
	commitCreate(t, e, "b")
	require.Equal(t, strs("a", "b"), e.GetAll())
	require.NoError(t, e.Close())

	e = openDir(t, dir)
	defer e.Close()
	assert.Equal(t, strs("a", "b"), e.GetAll())
	assert.Equal(t, Key(2), commitCreate(t, e, "c"))
}

func TestSnapshotPlusLaterLogMatchesDirectCommits(t *testing.T) {
	dir := t.TempDir()
	reference := newEngine(t)

	script := func(e *Engine, snapshot bool) {
		a := commitCreate(t, e, "a")
		b := commitCreate(t, e, "b")
		if snapshot {
			require.NoError(t, e.Snapshot())
		}
		require.NoError(t, e.Update(func(tx *Transaction) error {
			if err := tx.Set(a, str("a2")); err != nil {
				return err
			}
			return tx.Delete(b)
		}))
		commitCreate(t, e, "c")
	}

	e := openDir(t, dir)
	script(e, true)
	script(reference, false)
	require.NoError(t, e.Close())

	e = openDir(t, dir)
	defer e.Close()
	assert.Equal(t, reference.GetAll(), e.GetAll())

	// The log still holds the entries written before the snapshot, and they
	// were not applied twice.
	assert.Len(t, e.Log().GetLog(), 4)

	last, ok := e.Log().LastProcessed()
	require.True(t, ok)
	assert.Equal(t, TID(3), last)
	assert.Equal(t, Key(3), commitCreate(t, e, "d"))
}

func TestCheckpointTruncatesLog(t *testing.T) {
	dir := t.TempDir()

	e := openDir(t, dir)
	commitCreate(t, e, "a")
	commitCreate(t, e, "b")
	require.NoError(t, e.Checkpoint())
	assert.Empty(t, e.Log().GetLog())

	commitCreate(t, e, "c")
	require.NoError(t, e.Close())

	e = openDir(t, dir)
	defer e.Close()
	assert.Equal(t, strs("a", "b", "c"), e.GetAll())
	assert.Len(t, e.Log().GetLog(), 1)

	tx := e.Begin()
	assert.Equal(t, TID(3), tx.TID())
	k, err := tx.Create(str("d"))
	require.NoError(t, err)
	assert.Equal(t, Key(3), k)
	require.NoError(t, tx.Commit())
}

func TestOutOfOrderCommitIsStale(t *testing.T) {
	dir := t.TempDir()

	e := openDir(t, dir)
	k := commitCreate(t, e, "x")

	a, b := e.Begin(), e.Begin()
	require.NoError(t, b.Set(k, str("b")))
	require.NoError(t, b.Commit())

	require.NoError(t, a.Set(k, str("a")))
	err := a.Commit()
	assert.ErrorIs(t, err, ErrStaleTransaction)
	assert.ErrorIs(t, err, ErrCommitFailed)

	live := e.GetAll()
	assert.Equal(t, strs("b"), live)
	require.NoError(t, e.Close())

	e = openDir(t, dir)
	defer e.Close()
	assert.Equal(t, live, e.GetAll())

	// The last logged transaction is also the last one committed.
	require.NoError(t, e.Log().UndoLast(e))
	assert.Equal(t, strs("x"), e.GetAll())
}

func TestOpenDirStoreTuning(t *testing.T) {
	dir, walDir := t.TempDir(), t.TempDir()
	opts := []Option{
		WithLogger(logger.NewNop()),
		WithWALDir(walDir),
		WithCacheSize(1 << 20),
		WithMemTableSize(1 << 20),
	}

	e, err := OpenDir(dir, opts...)
	require.NoError(t, err)
	commitCreate(t, e, "a")

	files, err := os.ReadDir(walDir)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	e, err = OpenDir(dir, opts...)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, strs("a"), e.GetAll())
}

func TestSnapshotWithoutLogRestoresCounters(t *testing.T) {
	dir := t.TempDir()

	e := openDir(t, dir)
	k, err := e.Create(str("boot"))
	require.NoError(t, err)
	e.NextLSN()
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	e = openDir(t, dir)
	defer e.Close()
	got, ok := e.Get(k)
	require.True(t, ok)
	assert.Equal(t, str("boot"), got)
	assert.Equal(t, Key(1), e.NextID())
	assert.Equal(t, LSN(1), e.NextLSN())
}

func TestOpenRejectsCorruptState(t *testing.T) {
	tests := []struct {
		name  string
		write func(s db.Store) error
		want  error
	}{
		{
			name: "snapshot not json",
			write: func(s db.Store) error {
				return s.Put(CFSnapshot, snapshotKey, []byte("{not json"))
			},
			want: ErrLogCorrupt,
		},
		{
			name: "snapshot key not an integer",
			write: func(s db.Store) error {
				return s.Put(CFSnapshot, snapshotKey, []byte(`{"data":{"x":1},"next_id":1}`))
			},
			want: ErrLogCorrupt,
		},
		{
			name: "log entry not json",
			write: func(s db.Store) error {
				return s.Put(CFLog, encodeUint(0), []byte("garbage"))
			},
			want: ErrLogCorrupt,
		},
		{
			name: "log key malformed",
			write: func(s db.Store) error {
				return s.Put(CFLog, []byte("x"), []byte("{}"))
			},
			want: ErrLogCorrupt,
		},
		{
			name: "marker malformed",
			write: func(s db.Store) error {
				return s.Put(CFMeta, markerKey, []byte{1})
			},
			want: ErrLogCorrupt,
		},
		{
			name: "unknown operation",
			write: func(s db.Store) error {
				return s.Put(CFLog, encodeUint(0), []byte(`{"0":{"operation":"upsert","key":0,"value":1}}`))
			},
			want: ErrUnknownOperation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			rawStore(t, dir, func(s db.Store) {
				require.NoError(t, tt.write(s))
			})

			_, err := OpenDir(dir, WithLogger(logger.NewNop()))
			assert.ErrorIs(t, err, tt.want)

			// OpenDir released the directory on failure.
			rawStore(t, dir, func(db.Store) {})
		})
	}
}
