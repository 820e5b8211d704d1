// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsforge/updaterd/internal/config"
	"github.com/opsforge/updaterd/internal/lifecycle"
	"github.com/opsforge/updaterd/internal/logging"
	"github.com/opsforge/updaterd/internal/persistence/postgres"
	"github.com/opsforge/updaterd/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "janitor")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	updateRepo := repository.NewUpdateRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	// The daemon may be mid-apply while this sweeps, so only records older
	// than the applier timeout count as interrupted.
	recovery := lifecycle.NewRecovery(updateRepo, eventRepo, cfg.ApplierTimeout, logger)

	logger.Info("janitor started",
		"sweep_interval", cfg.SweepInterval.String(),
		"grace", cfg.ApplierTimeout.String(),
	)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("janitor stopping")
			return
		case <-ticker.C:
			resolved, err := recovery.Run(ctx)
			if err != nil {
				logger.Error("recovery sweep failed", "error", err)
				continue
			}
			if resolved > 0 {
				logger.Info("recovery sweep complete", "resolved", resolved)
			}
		}
	}
}
