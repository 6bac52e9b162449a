// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CheckpointRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewCheckpointRepository(pool *pgxpool.Pool, logger *slog.Logger) *CheckpointRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &CheckpointRepository{
		pool:   pool,
		logger: logger,
	}
}

// Upsert writes one stage checkpoint. A re-run of a stage replaces its row;
// (session_id, agent_index) can never duplicate.
func (r *CheckpointRepository) Upsert(ctx context.Context, cp domain.AgentCheckpoint) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agent_checkpoints
			(session_id, agent_index, agent_name, agent_output,
			 execution_time_ms, model_used, tokens_used, cost_usd, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, agent_index) DO UPDATE
		SET agent_name=EXCLUDED.agent_name,
		    agent_output=EXCLUDED.agent_output,
		    execution_time_ms=EXCLUDED.execution_time_ms,
		    model_used=EXCLUDED.model_used,
		    tokens_used=EXCLUDED.tokens_used,
		    cost_usd=EXCLUDED.cost_usd,
		    created_at=EXCLUDED.created_at
	`,
		cp.SessionID,
		cp.AgentIndex,
		cp.AgentName,
		cp.AgentOutput,
		cp.ExecutionTimeMs,
		cp.ModelUsed,
		cp.TokensUsed,
		cp.CostUSD,
		cp.CreatedAt,
	)
	if err != nil {
		r.logger.Error("upsert checkpoint failed",
			"session_id", cp.SessionID,
			"agent_index", cp.AgentIndex,
			"error", err,
		)
		return err
	}

	r.logger.Info("checkpoint written",
		"session_id", cp.SessionID,
		"agent_index", cp.AgentIndex,
		"agent", cp.AgentName,
	)
	return nil
}

func (r *CheckpointRepository) List(ctx context.Context, sessionID string) ([]domain.AgentCheckpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, agent_index, agent_name, agent_output,
		       execution_time_ms, model_used, tokens_used, cost_usd, created_at
		FROM agent_checkpoints
		WHERE session_id=$1
		ORDER BY agent_index ASC
	`, sessionID)
	if err != nil {
		r.logger.Error("list checkpoints failed", "session_id", sessionID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AgentCheckpoint, 0, domain.StageCount)
	for rows.Next() {
		var cp domain.AgentCheckpoint
		if err := rows.Scan(
			&cp.SessionID,
			&cp.AgentIndex,
			&cp.AgentName,
			&cp.AgentOutput,
			&cp.ExecutionTimeMs,
			&cp.ModelUsed,
			&cp.TokensUsed,
			&cp.CostUSD,
			&cp.CreatedAt,
		); err != nil {
			r.logger.Error("scan checkpoint row failed", "session_id", sessionID, "error", err)
			return nil, err
		}
		out = append(out, cp)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("checkpoint rows iteration failed", "session_id", sessionID, "error", err)
		return nil, err
	}

	return out, nil
}

// Cost rolls up per-stage usage accounting for one session.
func (r *CheckpointRepository) Cost(ctx context.Context, sessionID string) (domain.SessionCostBreakdown, error) {
	cps, err := r.List(ctx, sessionID)
	if err != nil {
		return domain.SessionCostBreakdown{}, err
	}

	breakdown := domain.SessionCostBreakdown{
		SessionID: sessionID,
		Stages:    make([]domain.StageCostBreakdown, 0, len(cps)),
	}
	for _, cp := range cps {
		breakdown.TotalCostUSD += cp.CostUSD
		breakdown.TotalTokens += cp.TokensUsed
		breakdown.Stages = append(breakdown.Stages, domain.StageCostBreakdown{
			AgentIndex: cp.AgentIndex,
			AgentName:  cp.AgentName,
			Model:      cp.ModelUsed,
			TokensUsed: cp.TokensUsed,
			CostUSD:    cp.CostUSD,
		})
	}

	return breakdown, nil
}
