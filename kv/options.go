package kv

import (
	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the settings of an Engine. Use [Option] values with [Open].
type Config struct {
	// Logger defaults to logger.Default().
	Logger logger.Logger

	// Registerer receives the engine's metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// SyncWrites is passed to the Pebble store opened by OpenDir.
	SyncWrites bool

	// Store tuning for OpenDir. Zero keeps the store's default.
	CacheSize    int64
	MemTableSize uint64
	WALDir       string
}

// DefaultConfig returns a Config with durable writes and no metrics export.
func DefaultConfig() *Config {
	return &Config{SyncWrites: true}
}

// Option is a functional option applied to [Config].
type Option func(*Config)

// WithLogger sets the structured logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegisterer exports the engine's metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

// WithSyncWrites toggles fsync on every log and snapshot write in OpenDir.
// Disabling it gives up synchronous durability.
func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithCacheSize sets the block-cache size, in bytes, of the store opened by
// OpenDir.
func WithCacheSize(size int64) Option {
	return func(c *Config) { c.CacheSize = size }
}

// WithMemTableSize sets the memtable size, in bytes, of the store opened by
// OpenDir.
func WithMemTableSize(size uint64) Option {
	return func(c *Config) { c.MemTableSize = size }
}

// WithWALDir places the store's own write-ahead files in dir.
func WithWALDir(dir string) Option {
	return func(c *Config) { c.WALDir = dir }
}
