// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/memtierd/memtierd/config"
	"github.com/memtierd/memtierd/internal/userlog"
)

// runMigrate applies pending schema migrations to the relational user log
// mirror. OpenSQLMirror already runs these on every `serve` startup; this
// subcommand exists for operators who want to apply them ahead of a
// deployment without bringing the dispatcher up.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	fs.Parse(args)

	logger := initLogger(false)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.UserDBMirror == nil || cfg.UserDBMirror.SQLitePath == "" {
		fmt.Println("no userdb_mirror configured, nothing to migrate")
		return
	}

	ctx := context.Background()
	mirror, err := userlog.OpenSQLMirror(ctx, cfg.UserDBMirror.SQLitePath, userlog.DefaultPoolConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := mirror.Close(); err != nil {
			logger.Warn("mirror close error", zap.Error(err))
		}
	}()

	logger.Info("user log mirror migrations applied", zap.String("path", cfg.UserDBMirror.SQLitePath))
	fmt.Println("migrations applied")
}
