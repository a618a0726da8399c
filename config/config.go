// Package config loads walkv settings from defaults, a walkv.yaml file, a
// .env file and WALKV_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// injected configurations
var (
	APP_NAME    string = "walkv"
	APP_VERSION string = "0.1.0"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. WALKV_DATA_DIR.
const EnvPrefix = "WALKV"

// Config is the application configuration.
type Config struct {
	// DataDir is the Pebble directory holding the snapshot and the log.
	DataDir string `mapstructure:"data_dir"`

	// SyncWrites fsyncs every log and snapshot write.
	SyncWrites bool `mapstructure:"sync_writes"`

	// LogLevel is a zap level name: debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`

	// CheckpointOnClose snapshots and truncates the log when a command
	// finishes.
	CheckpointOnClose bool `mapstructure:"checkpoint_on_close"`

	// Pebble tuning. WALDir places Pebble's own WAL files on another
	// device; empty keeps them in DataDir.
	CacheSize    int64  `mapstructure:"cache_size"`
	MemTableSize uint64 `mapstructure:"memtable_size"`
	WALDir       string `mapstructure:"wal_dir"`
}

var defaults = map[string]any{
	"data_dir":            "./data",
	"sync_writes":         true,
	"log_level":           "info",
	"checkpoint_on_close": false,
	"cache_size":          8 << 20,
	"memtable_size":       4 << 20,
	"wal_dir":             "",
}

// Load resolves the configuration. Sources, lowest precedence first:
// defaults, walkv.yaml, .env, then the environment. Both files are looked
// up in dir and may be absent. A non-empty file replaces the walkv.yaml
// lookup and must exist.
func Load(dir, file string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("walkv")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	dotenv, err := readDotEnv(dir)
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(dotenv); err != nil {
		return nil, fmt.Errorf("config: merge .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: data_dir must not be empty")
	}
	cfg.DataDir = filepath.Clean(cfg.DataDir)
	return &cfg, nil
}

// readDotEnv returns the WALKV_* entries of dir/.env with the prefix
// stripped.
func readDotEnv(dir string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	prefix := strings.ToLower(EnvPrefix) + "_"
	out := make(map[string]any)
	for k, val := range v.AllSettings() {
		if key, ok := strings.CutPrefix(k, prefix); ok {
			out[key] = val
		}
	}
	return out, nil
}
