// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventJobStatus     EventType = "job_status"
	EventInsight       EventType = "insight_emitted"
	EventAgentChunk    EventType = "agent_chunk"
	EventStepStarted   EventType = "agent_step_started"
	EventStepCompleted EventType = "agent_step_completed"
	EventError         EventType = "error"
	EventHeartbeat     EventType = "heartbeat"
	EventDone          EventType = "done"

	// step_progress and metric_update are part of the wire vocabulary for
	// clients but have no server-side producer yet.
	EventStepProgress EventType = "step_progress"
	EventMetricUpdate EventType = "metric_update"

	// EventGap is synthesized per subscriber when its queue overflowed and
	// buffered-but-undelivered events had to be dropped.
	EventGap EventType = "gap"
)

// Event is the wire record fanned out to subscribers. Sequence numbers are
// assigned by the bus and are strictly increasing and gapless per job as
// observed from offset zero.
type Event struct {
	Type      EventType       `json:"type"`
	JobID     uuid.UUID       `json:"job_id"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether this event closes the job's stream. Every job
// publishes exactly one done event, whatever its final status.
func (e Event) Terminal() bool {
	return e.Type == EventDone
}

type JobStatusPayload struct {
	Status       JobStatus `json:"status"`
	CurrentAgent int       `json:"current_agent"`
}

type StepStartedPayload struct {
	AgentIndex int    `json:"agent_index"`
	AgentName  string `json:"agent_name"`
	Model      string `json:"model"`
	Resumed    bool   `json:"resumed,omitempty"`
}

type ChunkPayload struct {
	AgentIndex int    `json:"agent_index"`
	Text       string `json:"text"`
}

type StepCompletedPayload struct {
	AgentIndex      int     `json:"agent_index"`
	AgentName       string  `json:"agent_name"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	Model           string  `json:"model"`
	TokensUsed      int     `json:"tokens_used"`
	CostUSD         float64 `json:"cost_usd"`
	FromCheckpoint  bool    `json:"from_checkpoint,omitempty"`
}

type InsightPayload struct {
	AgentIndex int    `json:"agent_index"`
	Message    string `json:"message"`
}

type ErrorPayload struct {
	ErrorID   uuid.UUID     `json:"error_id"`
	SessionID string        `json:"session_id"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

type DonePayload struct {
	FinalStatus JobStatus `json:"final_status"`
	SessionID   string    `json:"session_id"`
}

type GapPayload struct {
	Dropped int `json:"dropped"`
}
