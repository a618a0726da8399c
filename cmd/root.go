package main

import (
	"github.com/beyondbrewing/walkv/config"
	"github.com/beyondbrewing/walkv/kv"
	"github.com/beyondbrewing/walkv/pkg/logger"
	"github.com/spf13/cobra"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configFile string
	dataDir    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   config.APP_NAME,
		Short: "An embedded transactional key-value store",
		Long: `walkv keeps JSON values under integer keys in a data directory backed by
a write-ahead log. Every mutating command runs as one transaction.`,
		Version:       config.APP_VERSION,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file (default ./walkv.yaml)")
	root.PersistentFlags().StringVarP(&g.dataDir, "data-dir", "d", "", "data directory, overrides data_dir")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error; overrides log_level")

	root.AddCommand(
		newCreateCmd(g),
		newGetCmd(g),
		newSetCmd(g),
		newDeleteCmd(g),
		newListCmd(g),
		newLogCmd(g),
		newUndoCmd(g),
		newCheckpointCmd(g),
	)
	return root
}

// withEngine opens the configured data directory, runs fn and closes it,
// checkpointing first when checkpoint_on_close is set.
func (g *globals) withEngine(fn func(e *kv.Engine) error) error {
	cfg, err := config.Load(".", g.configFile)
	if err != nil {
		return err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	log, err := logger.NewProduction(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetDefault(log)

	e, err := kv.OpenDir(cfg.DataDir,
		kv.WithLogger(log),
		kv.WithSyncWrites(cfg.SyncWrites),
		kv.WithCacheSize(cfg.CacheSize),
		kv.WithMemTableSize(cfg.MemTableSize),
		kv.WithWALDir(cfg.WALDir),
	)
	if err != nil {
		return err
	}

	if err := fn(e); err != nil {
		_ = e.Close()
		return err
	}
	if cfg.CheckpointOnClose {
		if err := e.Checkpoint(); err != nil {
			_ = e.Close()
			return err
		}
	}
	return e.Close()
}
