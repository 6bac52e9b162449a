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

	"github.com/adiadia/draftpipe/internal/bus"
	"github.com/adiadia/draftpipe/internal/config"
	"github.com/adiadia/draftpipe/internal/generate"
	"github.com/adiadia/draftpipe/internal/insight"
	"github.com/adiadia/draftpipe/internal/logging"
	"github.com/adiadia/draftpipe/internal/orchestrator"
	"github.com/adiadia/draftpipe/internal/persistence/postgres"
	"github.com/adiadia/draftpipe/internal/repository"
	httptransport "github.com/adiadia/draftpipe/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	pipeline, err := config.LoadPipeline(cfg.PipelineFile)
	if err != nil {
		log.Fatalf("pipeline config load failed: %v", err)
	}

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

	sessionRepo := repository.NewSessionRepository(pool, logger)
	checkpointRepo := repository.NewCheckpointRepository(pool, logger)
	errorLogRepo := repository.NewErrorLogRepository(pool, logger)

	eventBus := bus.New(bus.Deps{
		Logger:         logger,
		HistoryLimit:   cfg.HistoryLimit,
		QueueSize:      cfg.SubscriberQueue,
		ReapGrace:      cfg.ReapGrace,
		HeartbeatEvery: cfg.HeartbeatEvery,
	})

	// TODO: swap the scripted generator for the provider client once the
	// model gateway is available in this deployment.
	generator := generate.NewScripted()

	orch := orchestrator.New(orchestrator.Deps{
		Bus:           eventBus,
		Sessions:      sessionRepo,
		Checkpoints:   checkpointRepo,
		ErrorLogs:     errorLogRepo,
		Generator:     generator,
		Enricher:      &generate.ScriptedEnricher{},
		Logger:        logger,
		Pipeline:      pipeline,
		MaxRetries:    cfg.MaxRetries,
		SessionTTL:    cfg.SessionTTL,
		ReapGrace:     cfg.ReapGrace,
		WebhookSecret: cfg.WebhookSecret,
	})

	insights := insight.New(insight.Deps{
		Bus:        eventBus,
		Summarizer: &generate.ScriptedSummarizer{},
		Logger:     logger,
	})

	handler := httptransport.NewRouter(httptransport.Deps{
		Jobs:            orch,
		Events:          eventBus,
		Sessions:        sessionRepo,
		Checkpoints:     checkpointRepo,
		ErrorLogs:       errorLogRepo,
		Insights:        insights,
		Health:          postgres.NewSchemaHealthChecker(pool),
		Logger:          logger,
		AdminToken:      cfg.AdminToken,
		StartRatePerMin: cfg.StartRatePerMin,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"stages", len(pipeline.Stages),
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
