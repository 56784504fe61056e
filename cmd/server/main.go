// Taskilo settlement core - escrow, payouts and reconciliation
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/taskilo/settlement/internal/config"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Local development convenience; ignored when no .env exists
	_ = godotenv.Load()

	logger := logging.New("info", "text")

	logger.Info("starting settlement service",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"clearing_days", cfg.ClearingDays,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
