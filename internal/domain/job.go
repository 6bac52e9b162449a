package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is the orchestrator's in-memory view of one pipeline run. It is owned
// exclusively by the orchestrator goroutine; everything published to the bus
// or the stores is a copy.
type Job struct {
	ID              uuid.UUID
	SessionID       string
	Status          JobStatus
	CurrentStage    int
	CompletedStages map[int]bool
	CreatedAt       time.Time
}

func NewJob(sessionID string) *Job {
	return &Job{
		ID:              uuid.New(),
		SessionID:       sessionID,
		Status:          JobQueued,
		CompletedStages: make(map[int]bool, StageCount),
		CreatedAt:       time.Now().UTC(),
	}
}
