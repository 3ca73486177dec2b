// DegenShield compute node - processes analysis requests inside the rollup
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/degenlabs/degenshield/internal/accounts"
	"github.com/degenlabs/degenshield/internal/config"
	"github.com/degenlabs/degenshield/internal/logging"
	"github.com/degenlabs/degenshield/internal/rollup"
	"github.com/degenlabs/degenshield/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "json")

	logger.Info("starting degenshield node",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateNode(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, "json")

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"rollup_server", cfg.RollupServerURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	client := rollup.NewClient(cfg.RollupServerURL)
	registry := accounts.NewRegistry()
	dispatcher := rollup.NewDispatcher(client, registry, logger)
	loop := rollup.NewLoop(client, dispatcher, registry, logger)

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("request loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("node stopped")
}
