// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsforge/updaterd/internal/config"
	"github.com/opsforge/updaterd/internal/lifecycle"
	"github.com/opsforge/updaterd/internal/lifecycle/appliers"
	"github.com/opsforge/updaterd/internal/logging"
	"github.com/opsforge/updaterd/internal/notify"
	"github.com/opsforge/updaterd/internal/persistence/postgres"
	"github.com/opsforge/updaterd/internal/repository"
	httptransport "github.com/opsforge/updaterd/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	logger := logging.NewLogger(cfg.Env, "api")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	updateRepo := repository.NewUpdateRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	var applier lifecycle.Applier = &appliers.Noop{Logger: logger}
	if cfg.ApplyCmd != "" {
		applier = appliers.NewExec(cfg.ApplyCmd, cfg.RollbackCmd, cfg.ApplierTimeout, logger)
	}

	var notifier lifecycle.Notifier
	if wh := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, logger); wh != nil {
		notifier = wh
	}

	machine := lifecycle.New(lifecycle.Deps{
		Updates:  updateRepo,
		Events:   eventRepo,
		Applier:  applier,
		Notifier: notifier,
		Logger:   logger,
	})

	// The on-demand sweep behind /recovery/run coexists with live applies, so
	// it only resolves records older than any apply could still be running.
	recovery := lifecycle.NewRecovery(updateRepo, eventRepo, cfg.ApplierTimeout, logger)

	if cfg.RecoverOnStart {
		// Nothing is in flight at startup; stale records resolve immediately.
		resolved, err := lifecycle.NewRecovery(updateRepo, eventRepo, 0, logger).Run(ctx)
		if err != nil {
			log.Fatalf("startup recovery failed: %v", err)
		}
		logger.Info("startup recovery complete", "resolved", resolved)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Updates:       machine,
		UpdateReader:  updateRepo,
		EventReader:   eventRepo,
		Recovery:      recovery,
		HealthChecker: postgres.NewSchemaHealthChecker(pool),
		Logger:        logger,
		AdminToken:    cfg.AdminToken,
		Version:       Version,
		Commit:        Commit,
		BuildDate:     BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
