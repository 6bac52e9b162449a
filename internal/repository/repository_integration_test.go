//go:build integration

// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/persistence/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestSessionLifecycleIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if err := truncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := NewSessionRepository(pool, logger)

	session := newIntegrationSession()
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := sessions.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.SessionPending {
		t.Fatalf("expected status %s got %s", domain.SessionPending, got.Status)
	}
	if got.ErrorContext != nil {
		t.Fatal("fresh session should have no error context")
	}
	if got.RetryCount != 0 || got.MaxRetries != 3 {
		t.Fatalf("unexpected retry counters: %d/%d", got.RetryCount, got.MaxRetries)
	}

	if err := sessions.SetProgress(ctx, session.SessionID, domain.SessionProcessing, 2, []int{0, 1}); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	got, err = sessions.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("get session after progress: %v", err)
	}
	if got.Status != domain.SessionProcessing || got.CurrentAgent != 2 {
		t.Fatalf("unexpected progress: %s agent %d", got.Status, got.CurrentAgent)
	}
	if len(got.CompletedAgents) != 2 {
		t.Fatalf("expected 2 completed agents got %d", len(got.CompletedAgents))
	}

	errCtx := domain.ErrorContext{
		ErrorID:  uuid.New(),
		Kind:     "provider_timeout",
		Category: domain.ErrorTransient,
		Message:  "generation timed out",
	}
	if err := sessions.RecordFailure(ctx, session.SessionID, errCtx, 1); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	got, err = sessions.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("get session after failure: %v", err)
	}
	if got.Status != domain.SessionFailed {
		t.Fatalf("expected FAILED got %s", got.Status)
	}
	if got.ErrorContext == nil || got.ErrorContext.ErrorID != errCtx.ErrorID {
		t.Fatalf("expected error context %v got %v", errCtx, got.ErrorContext)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count 1 got %d", got.RetryCount)
	}

	if _, err := sessions.Get(ctx, "no-such-session"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound got %v", err)
	}
	if err := sessions.SetProgress(ctx, "no-such-session", domain.SessionProcessing, 0, nil); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound got %v", err)
	}
}

func TestCheckpointUpsertReplacesAndRollsUpCostIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if err := truncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := NewSessionRepository(pool, logger)
	checkpoints := NewCheckpointRepository(pool, logger)

	session := newIntegrationSession()
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 3; i++ {
		cp := domain.AgentCheckpoint{
			SessionID:       session.SessionID,
			AgentIndex:      i,
			AgentName:       "stage",
			AgentOutput:     json.RawMessage(`{"ok":true}`),
			ExecutionTimeMs: 100,
			ModelUsed:       "fast-draft-v2",
			TokensUsed:      50,
			CostUSD:         0.001,
			CreatedAt:       time.Now().UTC(),
		}
		if err := checkpoints.Upsert(ctx, cp); err != nil {
			t.Fatalf("upsert checkpoint %d: %v", i, err)
		}
	}

	// Re-running a stage replaces the row instead of duplicating it.
	replacement := domain.AgentCheckpoint{
		SessionID:       session.SessionID,
		AgentIndex:      1,
		AgentName:       "stage",
		AgentOutput:     json.RawMessage(`{"ok":true,"rev":2}`),
		ExecutionTimeMs: 200,
		ModelUsed:       "longform-v3",
		TokensUsed:      80,
		CostUSD:         0.002,
		CreatedAt:       time.Now().UTC(),
	}
	if err := checkpoints.Upsert(ctx, replacement); err != nil {
		t.Fatalf("replace checkpoint: %v", err)
	}

	list, err := checkpoints.List(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 checkpoints got %d", len(list))
	}
	if list[1].ModelUsed != "longform-v3" {
		t.Fatalf("expected replaced row, got model %s", list[1].ModelUsed)
	}

	cost, err := checkpoints.Cost(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("cost rollup: %v", err)
	}
	if cost.TotalTokens != 180 {
		t.Fatalf("expected 180 total tokens got %d", cost.TotalTokens)
	}
	if len(cost.Stages) != 3 {
		t.Fatalf("expected 3 stage breakdowns got %d", len(cost.Stages))
	}
}

func TestErrorLogAndPurgeCascadeIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if err := truncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := NewSessionRepository(pool, logger)
	checkpoints := NewCheckpointRepository(pool, logger)
	errorLogs := NewErrorLogRepository(pool, logger)

	session := newIntegrationSession()
	session.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := checkpoints.Upsert(ctx, domain.AgentCheckpoint{
		SessionID:   session.SessionID,
		AgentIndex:  0,
		AgentName:   "intake_analysis",
		AgentOutput: json.RawMessage(`{}`),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert checkpoint: %v", err)
	}

	entry := domain.ErrorLog{
		ErrorID:       uuid.New(),
		SessionID:     session.SessionID,
		ErrorType:     "provider_error",
		ErrorCategory: domain.ErrorRecoverable,
		ErrorMessage:  "upstream 503",
		CreatedAt:     time.Now().UTC(),
	}
	if err := errorLogs.Insert(ctx, entry); err != nil {
		t.Fatalf("insert error log: %v", err)
	}

	listed, err := errorLogs.ListBySession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("list error logs: %v", err)
	}
	if len(listed) != 1 || listed[0].ErrorID != entry.ErrorID {
		t.Fatalf("unexpected error log listing: %+v", listed)
	}

	purged, err := sessions.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged session got %d", purged)
	}

	var checkpointCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM agent_checkpoints`).Scan(&checkpointCount); err != nil {
		t.Fatalf("count checkpoints: %v", err)
	}
	if checkpointCount != 0 {
		t.Fatalf("expected checkpoint cascade, %d rows remain", checkpointCount)
	}

	var errorCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM error_logs`).Scan(&errorCount); err != nil {
		t.Fatalf("count error logs: %v", err)
	}
	if errorCount != 0 {
		t.Fatalf("expected error log cascade, %d rows remain", errorCount)
	}
}

func newIntegrationSession() domain.RecoverySession {
	now := time.Now().UTC()
	return domain.RecoverySession{
		SessionID:       "itest-" + uuid.NewString()[:8],
		FormData:        json.RawMessage(`{"role":"platform engineer"}`),
		Status:          domain.SessionPending,
		CompletedAgents: []int{},
		MaxRetries:      3,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
}

func truncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE error_logs, agent_checkpoints, recovery_sessions RESTART IDENTITY CASCADE`)
	return err
}

func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
		pool.Close()
		t.Skipf("skip integration test: schema bootstrap failed (%v)", err)
	}

	return pool
}
