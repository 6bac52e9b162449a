// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"

	"github.com/adiadia/draftpipe/internal/domain"
)

// SessionStore is the slice of the recovery session repository the
// orchestrator needs. Implementations must return the typed domain errors
// for missing and expired sessions.
type SessionStore interface {
	Create(ctx context.Context, session domain.RecoverySession) error
	Get(ctx context.Context, sessionID string) (domain.RecoverySession, error)
	SetProgress(ctx context.Context, sessionID string, status domain.SessionStatus, currentAgent int, completedAgents []int) error
	RecordFailure(ctx context.Context, sessionID string, errCtx domain.ErrorContext, retryCount int) error
}

// CheckpointStore persists stage outputs. Upsert replaces any existing row
// for the same (session, agent index).
type CheckpointStore interface {
	Upsert(ctx context.Context, cp domain.AgentCheckpoint) error
	List(ctx context.Context, sessionID string) ([]domain.AgentCheckpoint, error)
}

// ErrorLogStore appends to the audit trail.
type ErrorLogStore interface {
	Insert(ctx context.Context, entry domain.ErrorLog) error
}
