// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/draftpipe/internal/config"
	"github.com/adiadia/draftpipe/internal/logging"
	"github.com/adiadia/draftpipe/internal/metrics"
	"github.com/adiadia/draftpipe/internal/persistence/postgres"
	"github.com/adiadia/draftpipe/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)
	metrics.Init()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	sessions := repository.NewSessionRepository(pool, logger)

	logger.Info("sweeper started", "interval", cfg.SweepInterval.String())

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		purged, err := sessions.PurgeExpired(sweepCtx, time.Now().UTC())
		if err != nil {
			logger.Error("sweep failed", "error", err)
			return
		}
		if purged > 0 {
			metrics.AddSessionsPurged(purged)
			logger.Info("expired sessions purged", "purged", purged)
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
