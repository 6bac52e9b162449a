// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"time"

	"github.com/adiadia/draftpipe/internal/bus"
	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/orchestrator"
	"github.com/google/uuid"
)

type JobService interface {
	Start(ctx context.Context, params orchestrator.StartParams) (*orchestrator.Handle, error)
	Resume(ctx context.Context, sessionID string, webhookURL string) (*orchestrator.Handle, error)
	Cancel(jobID uuid.UUID) error
	Registry() *orchestrator.Registry
}

type EventSource interface {
	Subscribe(jobID uuid.UUID) *bus.Subscription
}

type SessionReader interface {
	Get(ctx context.Context, sessionID string) (domain.RecoverySession, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type CheckpointReader interface {
	List(ctx context.Context, sessionID string) ([]domain.AgentCheckpoint, error)
	Cost(ctx context.Context, sessionID string) (domain.SessionCostBreakdown, error)
}

type ErrorLogReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]domain.ErrorLog, error)
}

type InsightWatcher interface {
	Watch(jobID uuid.UUID)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
