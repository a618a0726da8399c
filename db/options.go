package db

import (
	"github.com/beyondbrewing/walkv/pkg/logger"
)

// Config holds the tunables of a [PebbleDB]. Use [Option] values with
// [Open] rather than building one by hand.
type Config struct {
	// ColumnFamilies lists the logical families Store methods accept in
	// addition to [DefaultColumnFamily].
	ColumnFamilies []string

	// CacheSize is the block-cache capacity in bytes.
	CacheSize int64

	// MemTableSize is the size of a single memtable in bytes.
	MemTableSize uint64

	// WALDir places Pebble's own WAL files on a separate device. Empty
	// co-locates them with the data.
	WALDir string

	// SyncWrites fsyncs every write and batch commit. The engine's log
	// relies on it for synchronous durability, so it defaults to true.
	SyncWrites bool

	// Logger defaults to logger.Default().
	Logger logger.Logger
}

// DefaultConfig returns defaults sized for a small embedded store.
func DefaultConfig() *Config {
	return &Config{
		CacheSize:    8 << 20, // 8 MB
		MemTableSize: 4 << 20, // 4 MB
		SyncWrites:   true,
	}
}

// Option mutates a [Config] during [Open].
type Option func(*Config)

// WithColumnFamilies registers logical column families.
func WithColumnFamilies(cfs ...string) Option {
	return func(c *Config) { c.ColumnFamilies = cfs }
}

// WithCacheSize sets the block-cache capacity in bytes.
func WithCacheSize(size int64) Option {
	return func(c *Config) { c.CacheSize = size }
}

// WithMemTableSize sets the memtable size in bytes.
func WithMemTableSize(size uint64) Option {
	return func(c *Config) { c.MemTableSize = size }
}

// WithWALDir sets a separate directory for Pebble's WAL files.
func WithWALDir(dir string) Option {
	return func(c *Config) { c.WALDir = dir }
}

// WithSyncWrites toggles per-write fsync. Turning it off trades the
// engine's durability guarantee for throughput.
func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithLogger sets the logger for the database.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
