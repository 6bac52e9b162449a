// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SessionRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewSessionRepository(pool *pgxpool.Pool, logger *slog.Logger) *SessionRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *SessionRepository) Create(ctx context.Context, s domain.RecoverySession) error {
	completed, err := json.Marshal(s.CompletedAgents)
	if err != nil {
		return fmt.Errorf("marshal completed agents: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO recovery_sessions
			(session_id, application_id, form_data, file_metadata, status,
			 current_agent, completed_agents, retry_count, max_retries,
			 created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		s.SessionID,
		s.ApplicationID,
		s.FormData,
		s.FileMetadata,
		s.Status,
		s.CurrentAgent,
		completed,
		s.RetryCount,
		s.MaxRetries,
		s.CreatedAt,
		s.UpdatedAt,
		s.ExpiresAt,
	)
	if err != nil {
		r.logger.Error("insert session failed", "session_id", s.SessionID, "error", err)
		return err
	}

	r.logger.Info("session created", "session_id", s.SessionID, "expires_at", s.ExpiresAt)
	return nil
}

// Get returns the session or a typed not-found/expired error. Expired rows
// are reported as gone even though they may still be physically present
// until the next sweep.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (domain.RecoverySession, error) {
	var (
		s            domain.RecoverySession
		completedRaw []byte
		errCtx       errorContextColumns
	)

	err := r.pool.QueryRow(ctx, `
		SELECT session_id, application_id, form_data, file_metadata, status,
		       current_agent, completed_agents,
		       error_id, error_kind, error_category, error_message,
		       retry_count, max_retries, created_at, updated_at, expires_at
		FROM recovery_sessions
		WHERE session_id=$1
	`, sessionID).Scan(
		&s.SessionID,
		&s.ApplicationID,
		&s.FormData,
		&s.FileMetadata,
		&s.Status,
		&s.CurrentAgent,
		&completedRaw,
		&errCtx.ErrorID,
		&errCtx.Kind,
		&errCtx.Category,
		&errCtx.Message,
		&s.RetryCount,
		&s.MaxRetries,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RecoverySession{}, domain.ErrSessionNotFound
		}
		r.logger.Error("get session failed", "session_id", sessionID, "error", err)
		return domain.RecoverySession{}, err
	}

	if err := json.Unmarshal(completedRaw, &s.CompletedAgents); err != nil {
		r.logger.Error("decode completed agents failed", "session_id", sessionID, "error", err)
		return domain.RecoverySession{}, err
	}
	s.ErrorContext = errCtx.toDomain()

	if s.Expired(time.Now().UTC()) {
		return domain.RecoverySession{}, domain.ErrSessionExpired
	}

	return s, nil
}

func (r *SessionRepository) SetProgress(ctx context.Context, sessionID string, status domain.SessionStatus, currentAgent int, completedAgents []int) error {
	if completedAgents == nil {
		completedAgents = []int{}
	}
	completed, err := json.Marshal(completedAgents)
	if err != nil {
		return fmt.Errorf("marshal completed agents: %w", err)
	}

	cmd, err := r.pool.Exec(ctx, `
		UPDATE recovery_sessions
		SET status=$2,
		    current_agent=$3,
		    completed_agents=$4,
		    updated_at=NOW()
		WHERE session_id=$1
	`,
		sessionID,
		status,
		currentAgent,
		completed,
	)
	if err != nil {
		r.logger.Error("update session progress failed", "session_id", sessionID, "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}

func (r *SessionRepository) RecordFailure(ctx context.Context, sessionID string, errCtx domain.ErrorContext, retryCount int) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE recovery_sessions
		SET status=$2,
		    error_id=$3,
		    error_kind=$4,
		    error_category=$5,
		    error_message=$6,
		    retry_count=$7,
		    updated_at=NOW()
		WHERE session_id=$1
	`,
		sessionID,
		domain.SessionFailed,
		errCtx.ErrorID,
		errCtx.Kind,
		errCtx.Category,
		errCtx.Message,
		retryCount,
	)
	if err != nil {
		r.logger.Error("record session failure failed",
			"session_id", sessionID,
			"error_id", errCtx.ErrorID,
			"error", err,
		)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}

	r.logger.Info("session failure recorded",
		"session_id", sessionID,
		"error_id", errCtx.ErrorID,
		"category", errCtx.Category,
		"retry_count", retryCount,
	)
	return nil
}

// PurgeExpired deletes sessions past their expiry along with their
// checkpoints and error logs (ON DELETE CASCADE). Returns the purge count.
func (r *SessionRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	cmd, err := r.pool.Exec(ctx, `
		DELETE FROM recovery_sessions
		WHERE expires_at < $1
	`, now)
	if err != nil {
		r.logger.Error("purge expired sessions failed", "error", err)
		return 0, err
	}

	purged := int(cmd.RowsAffected())
	if purged > 0 {
		r.logger.Info("expired sessions purged", "count", purged)
	}
	return purged, nil
}

type errorContextColumns struct {
	ErrorID  *string
	Kind     *string
	Category *string
	Message  *string
}

func (c errorContextColumns) toDomain() *domain.ErrorContext {
	if c.ErrorID == nil {
		return nil
	}

	out := &domain.ErrorContext{
		Category: domain.ErrorCategory(derefString(c.Category)),
		Message:  derefString(c.Message),
		Kind:     derefString(c.Kind),
	}
	if parsed, err := uuid.Parse(*c.ErrorID); err == nil {
		out.ErrorID = parsed
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
