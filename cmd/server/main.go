// Hillside escrow service - on-chain escrow settlement and reconciliation for
// Hillside bookings
package main

import (
	"context"
	"os"

	"github.com/hillside/hillside-escrow/internal/config"
	"github.com/hillside/hillside-escrow/internal/logging"
	"github.com/hillside/hillside-escrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the config says otherwise
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting hillside-escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"active_chain", cfg.Chains.ActiveKey,
		"allowed_chains", cfg.Chains.AllowedKeys,
		"shadow_write", cfg.FeatureShadowWrite,
		"onchain_lock", cfg.FeatureOnchainLock,
		"reconciliation_scheduler", cfg.FeatureReconciliationScheduler,
		"database", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
