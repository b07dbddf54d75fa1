// Escrowd - escrow payment lifecycle and dispute resolution engine
package main

import (
	"context"
	"os"

	"github.com/fairwork/escrowd/internal/config"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowd",
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
		"payment_method", cfg.PaymentMethod,
		"panel_size", cfg.PanelSize,
		"settlement_timeout", cfg.SettlementTimeout,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
