package kv

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/beyondbrewing/walkv/db"
	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/cockroachdb/errors"
)

// snapshotDoc is the persisted form of the committed table and counters.
// Keys of Data are written as decimal strings and parsed back on load.
type snapshotDoc struct {
	Data    map[Key]json.RawMessage `json:"data"`
	NextID  uint64                  `json:"next_id"`
	NextTID uint64                  `json:"next_tid"`
	NextLSN uint64                  `json:"next_lsn"`
}

// Engine owns the committed table, the id/tid/lsn counters and the
// operation log. Reads are lock-free; commits, snapshots and replay are
// serialised by a single commit lock.
type Engine struct {
	store   db.Store
	log     *OperationLog
	logger  logger.Logger
	metrics *metrics

	// mu is the commit lock. It is taken before the log's own lock.
	mu    sync.Mutex
	table atomic.Pointer[table]

	nextID  atomic.Uint64
	nextTID atomic.Uint64
	nextLSN atomic.Uint64

	closed atomic.Bool
}

// Open builds an Engine over store, which must carry [ColumnFamilies]. It
// loads the last snapshot, if any, and replays the log on top of it. A
// snapshot or log entry that cannot be decoded fails with ErrLogCorrupt.
func Open(store db.Store, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "kv")

	e := &Engine{
		store:   store,
		logger:  log,
		metrics: newMetrics(cfg.Registerer),
	}

	if err := e.loadSnapshot(); err != nil {
		return nil, err
	}

	oplog, err := openOperationLog(store, log)
	if err != nil {
		return nil, err
	}
	e.log = oplog

	if err := e.Sync(); err != nil {
		return nil, errors.Wrap(err, "kv: recovery failed")
	}

	e.metrics.keys.Set(float64(e.snapshotTable().len()))
	e.logger.Info("engine opened",
		"keys", e.snapshotTable().len(),
		"next_id", e.nextID.Load(),
		"next_tid", e.nextTID.Load(),
	)
	return e, nil
}

// OpenDir opens, or creates, a Pebble-backed engine in dir. Close releases
// the directory.
func OpenDir(dir string, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	dbOpts := []db.Option{
		db.WithColumnFamilies(ColumnFamilies()...),
		db.WithSyncWrites(cfg.SyncWrites),
		db.WithWALDir(cfg.WALDir),
		db.WithLogger(log),
	}
	if cfg.CacheSize > 0 {
		dbOpts = append(dbOpts, db.WithCacheSize(cfg.CacheSize))
	}
	if cfg.MemTableSize > 0 {
		dbOpts = append(dbOpts, db.WithMemTableSize(cfg.MemTableSize))
	}

	store, err := db.Open(dir, dbOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "kv: open %s", dir)
	}

	e, err := Open(store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

// OpenInMemory returns an engine over a volatile store. Its log behaves like
// the durable one but nothing survives the process.
func OpenInMemory(opts ...Option) (*Engine, error) {
	return Open(db.NewMockStore(ColumnFamilies()...), opts...)
}

// Log returns the engine's operation log.
func (e *Engine) Log() *OperationLog { return e.log }

// Close releases the underlying store. Open transactions must not be
// committed afterwards.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return db.ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Close(); err != nil {
		return errors.Wrap(err, "kv: close store")
	}
	e.logger.Info("engine closed")
	return nil
}

// ---------------------------------------------------------------------------
// Committed table
// ---------------------------------------------------------------------------

// Get reads the committed table. A missing key is not an error.
func (e *Engine) Get(key Key) (json.RawMessage, bool) {
	return e.snapshotTable().get(key)
}

// GetAll returns the committed values in key order, which is also the
// order they were created in.
func (e *Engine) GetAll() []json.RawMessage {
	return e.snapshotTable().values()
}

// Create stores value under a fresh key, bypassing transactions and the
// log. Meant for bootstrap; use Transaction.Create for durable writes.
func (e *Engine) Create(value json.RawMessage) (Key, error) {
	if err := checkValue(value); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	k := e.NextID()
	e.snapshotTable().put(k, value)
	e.metrics.keys.Inc()
	return k, nil
}

// Set replaces the value of an existing committed key, bypassing the log.
func (e *Engine) Set(key Key, value json.RawMessage) error {
	if err := checkValue(value); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.snapshotTable()
	if !t.has(key) {
		return errors.Wrapf(ErrNotFound, "set key %d", key)
	}
	t.put(key, value)
	return nil
}

// Delete removes key from the committed table, bypassing the log. Deleting
// a missing key is a no-op.
func (e *Engine) Delete(key Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.snapshotTable()
	if t.has(key) {
		t.remove(key)
		e.metrics.keys.Dec()
	}
	return nil
}

func (e *Engine) snapshotTable() *table { return e.table.Load() }

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Begin starts a transaction stamped with the next tid.
func (e *Engine) Begin() *Transaction {
	return newTransaction(e, TID(e.NextTID()))
}

// Update runs fn in a transaction. The transaction commits when fn returns
// nil and rolls back when fn returns an error or panics; a panic is
// re-raised after the rollback. If fn closes the transaction itself,
// Update leaves it alone.
func (e *Engine) Update(fn func(tx *Transaction) error) error {
	tx := e.Begin()

	defer func() {
		if r := recover(); r != nil {
			if tx.State() == TxOpen {
				if err := tx.Rollback(); err != nil {
					e.logger.Error("rollback after panic failed", "tid", tx.TID(), "error", err)
				}
			}
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if tx.State() != TxOpen {
			return err
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.CombineErrors(err, rbErr)
		}
		return err
	}
	if tx.State() != TxOpen {
		return nil
	}
	return tx.Commit()
}

// Sync replays every logged transaction the committed table does not yet
// reflect.
func (e *Engine) Sync() error {
	return e.log.ApplyLog(e)
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// NextID returns the next free key and advances the counter.
func (e *Engine) NextID() Key { return Key(e.nextID.Add(1) - 1) }

// NextTID returns the next transaction id and advances the counter.
func (e *Engine) NextTID() TID { return TID(e.nextTID.Add(1) - 1) }

// NextLSN returns the next log sequence number and advances the counter.
func (e *Engine) NextLSN() LSN { return LSN(e.nextLSN.Add(1) - 1) }

func (e *Engine) peekNextID() Key { return Key(e.nextID.Load()) }

// advanceNextID raises the key counter to at least k.
func (e *Engine) advanceNextID(k Key) { raise(&e.nextID, uint64(k)) }

// observe raises the tid and lsn counters past a replayed transaction so
// new work never reuses its identifiers.
func (e *Engine) observe(tx *Transaction) {
	raise(&e.nextTID, uint64(tx.TID())+1)
	for _, op := range tx.ops {
		if lsn, ok := op.LSN(); ok {
			raise(&e.nextLSN, uint64(lsn)+1)
		}
	}
}

func raise(c *atomic.Uint64, floor uint64) {
	for {
		cur := c.Load()
		if cur >= floor || c.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot persists the committed table and counters, and moves the replay
// marker past every transaction they reflect, in one atomic write. Open
// transactions with a lower tid can no longer commit.
func (e *Engine) Snapshot() error {
	return e.persist(false)
}

// Checkpoint writes a snapshot and empties the log in one atomic write,
// then flushes the store so its own write-ahead files can be recycled. A
// failed flush is logged; the checkpoint itself is already durable.
func (e *Engine) Checkpoint() error {
	if err := e.persist(true); err != nil {
		return err
	}
	if err := e.store.Flush(); err != nil {
		e.logger.Warn("store flush after checkpoint failed", "error", err)
	}
	return nil
}

func (e *Engine) persist(truncate bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.snapshotTable()
	doc := snapshotDoc{
		Data:    make(map[Key]json.RawMessage, t.len()),
		NextID:  e.nextID.Load(),
		NextTID: e.nextTID.Load(),
		NextLSN: e.nextLSN.Load(),
	}
	t.each(func(k Key, v json.RawMessage) bool {
		doc.Data[k] = v
		return true
	})

	buf, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "kv: encode snapshot")
	}

	b := e.store.NewBatch()
	defer b.Close()
	if err := b.Put(CFSnapshot, snapshotKey, buf); err != nil {
		return errors.Wrap(err, "kv: stage snapshot")
	}
	if err := e.log.seal(b, truncate); err != nil {
		return err
	}

	e.logger.Info("snapshot written",
		"keys", len(doc.Data),
		"truncated", truncate,
		"bytes", len(buf),
	)
	return nil
}

func (e *Engine) loadSnapshot() error {
	t := newTable()
	e.table.Store(t)

	raw, err := e.store.Get(CFSnapshot, snapshotKey)
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "kv: read snapshot")
	}

	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrapf(ErrLogCorrupt, "snapshot: %v", err)
	}
	for k, v := range doc.Data {
		if checkValue(v) != nil {
			return errors.Wrapf(ErrLogCorrupt, "snapshot: key %d has no value", k)
		}
		t.put(k, v)
	}

	e.nextID.Store(doc.NextID)
	e.nextTID.Store(doc.NextTID)
	e.nextLSN.Store(doc.NextLSN)
	return nil
}
