// Escrowmirror - escrow lifecycle and permission API
package main

import (
	"context"
	"os"

	"github.com/mbd888/escrowmirror/internal/config"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config names the real level and format
	logger := logging.New("info", "text")

	logger.Info("starting escrowmirror",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"agent_response_time", cfg.AgentResponseTime,
		"tick_interval", cfg.TickInterval.String(),
		"persistent", cfg.DatabaseURL != "",
	)

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
