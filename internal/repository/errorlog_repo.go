// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ErrorLogRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewErrorLogRepository(pool *pgxpool.Pool, logger *slog.Logger) *ErrorLogRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorLogRepository{
		pool:   pool,
		logger: logger,
	}
}

// Insert appends to the audit trail. Rows are never mutated afterwards.
func (r *ErrorLogRepository) Insert(ctx context.Context, entry domain.ErrorLog) error {
	var sessionID *string
	if entry.SessionID != "" {
		sessionID = &entry.SessionID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO error_logs
			(error_id, session_id, error_type, error_category, error_message,
			 stacktrace, request_path, request_method, client_id,
			 additional_context, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		entry.ErrorID,
		sessionID,
		entry.ErrorType,
		entry.ErrorCategory,
		entry.ErrorMessage,
		entry.Stacktrace,
		entry.RequestPath,
		entry.RequestMethod,
		entry.ClientID,
		entry.AdditionalContext,
		entry.CreatedAt,
	)
	if err != nil {
		r.logger.Error("insert error log failed",
			"error_id", entry.ErrorID,
			"session_id", entry.SessionID,
			"error", err,
		)
		return err
	}

	return nil
}

func (r *ErrorLogRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.ErrorLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT error_id, COALESCE(session_id, ''), error_type, error_category,
		       error_message, COALESCE(stacktrace, ''), COALESCE(request_path, ''),
		       COALESCE(request_method, ''), COALESCE(client_id, ''),
		       additional_context, created_at
		FROM error_logs
		WHERE session_id=$1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		r.logger.Error("list error logs failed", "session_id", sessionID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ErrorLog, 0, 4)
	for rows.Next() {
		var entry domain.ErrorLog
		if err := rows.Scan(
			&entry.ErrorID,
			&entry.SessionID,
			&entry.ErrorType,
			&entry.ErrorCategory,
			&entry.ErrorMessage,
			&entry.Stacktrace,
			&entry.RequestPath,
			&entry.RequestMethod,
			&entry.ClientID,
			&entry.AdditionalContext,
			&entry.CreatedAt,
		); err != nil {
			r.logger.Error("scan error log row failed", "session_id", sessionID, "error", err)
			return nil, err
		}
		out = append(out, entry)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("error log rows iteration failed", "session_id", sessionID, "error", err)
		return nil, err
	}

	return out, nil
}
