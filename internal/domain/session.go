// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StageCount is the fixed length of the drafting pipeline. Agent indexes run
// 0..StageCount-1.
const StageCount = 5

type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionProcessing SessionStatus = "PROCESSING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionRecovered  SessionStatus = "RECOVERED"
)

// Terminal reports whether the session finished successfully and can only be
// replayed, never re-run. Failed sessions are not terminal: they stay
// eligible for resume while retries remain.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionRecovered
}

// RecoverySession is the durable, resumable record of one drafting job.
// current_agent is advisory: resume re-derives it from the checkpoint table.
type RecoverySession struct {
	SessionID       string          `json:"session_id"`
	ApplicationID   *uuid.UUID      `json:"application_id,omitempty"`
	FormData        json.RawMessage `json:"form_data"`
	FileMetadata    json.RawMessage `json:"file_metadata,omitempty"`
	Status          SessionStatus   `json:"status"`
	CurrentAgent    int             `json:"current_agent"`
	CompletedAgents []int           `json:"completed_agents"`
	ErrorContext    *ErrorContext   `json:"error_context,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

func (s RecoverySession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ErrorContext is the slice of the last failure carried on a session,
// referencing the full error_logs row by id.
type ErrorContext struct {
	ErrorID  uuid.UUID     `json:"error_id"`
	Kind     string        `json:"kind"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

// AgentCheckpoint is the durable output of one completed stage. At most one
// row exists per (session_id, agent_index); re-running a stage replaces it.
type AgentCheckpoint struct {
	SessionID       string          `json:"session_id"`
	AgentIndex      int             `json:"agent_index"`
	AgentName       string          `json:"agent_name"`
	AgentOutput     json.RawMessage `json:"agent_output"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	ModelUsed       string          `json:"model_used"`
	TokensUsed      int             `json:"tokens_used"`
	CostUSD         float64         `json:"cost_usd"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ErrorLog is the append-only audit row behind every failure surfaced to a
// caller. Never mutated after insert.
type ErrorLog struct {
	ErrorID           uuid.UUID       `json:"error_id"`
	SessionID         string          `json:"session_id,omitempty"`
	ErrorType         string          `json:"error_type"`
	ErrorCategory     ErrorCategory   `json:"error_category"`
	ErrorMessage      string          `json:"error_message"`
	Stacktrace        string          `json:"stacktrace,omitempty"`
	RequestPath       string          `json:"request_path,omitempty"`
	RequestMethod     string          `json:"request_method,omitempty"`
	ClientID          string          `json:"client_id,omitempty"`
	AdditionalContext json.RawMessage `json:"additional_context,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SessionCostBreakdown rolls up checkpoint cost metadata for one session.
type SessionCostBreakdown struct {
	SessionID    string               `json:"session_id"`
	TotalCostUSD float64              `json:"total_cost_usd"`
	TotalTokens  int                  `json:"total_tokens"`
	Stages       []StageCostBreakdown `json:"stages"`
}

type StageCostBreakdown struct {
	AgentIndex int     `json:"agent_index"`
	AgentName  string  `json:"agent_name"`
	Model      string  `json:"model"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}
