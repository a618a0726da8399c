package main

import (
	"github.com/beyondbrewing/walkv/pkg/logger"
)

func main() {
	logger.SetDefault(logger.MustProduction())
	defer logger.SyncDefault()

	if err := newRootCmd().Execute(); err != nil {
		logger.Fatal("command failed", "error", err)
	}
}
