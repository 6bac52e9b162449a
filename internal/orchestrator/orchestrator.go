// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives a job through the fixed-order drafting
// pipeline: it sequences stages, throttles streamed output into chunk
// events, checkpoints completed stages, classifies failures, and keeps the
// recovery session resumable across process restarts.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/adiadia/draftpipe/internal/bus"
	"github.com/adiadia/draftpipe/internal/config"
	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/generate"
	"github.com/adiadia/draftpipe/internal/logging"
	"github.com/adiadia/draftpipe/internal/metrics"
	"github.com/google/uuid"
)

const enrichTimeout = 30 * time.Second

type Deps struct {
	Bus         *bus.Bus
	Sessions    SessionStore
	Checkpoints CheckpointStore
	ErrorLogs   ErrorLogStore
	Generator   generate.Generator
	Enricher    generate.Enricher
	Logger      *slog.Logger
	Pipeline    config.PipelineConfig
	MaxRetries  int
	SessionTTL  time.Duration
	ReapGrace   time.Duration

	WebhookSecret string
	HTTPClient    *http.Client
}

type Orchestrator struct {
	bus         *bus.Bus
	sessions    SessionStore
	checkpoints CheckpointStore
	errorLogs   ErrorLogStore
	generator   generate.Generator
	enricher    generate.Enricher
	logger      *slog.Logger
	pipeline    config.PipelineConfig
	maxRetries  int
	sessionTTL  time.Duration
	registry    *Registry

	webhookSecret string
	httpClient    *http.Client
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	sessionTTL := deps.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}

	pipeline := deps.Pipeline
	if len(pipeline.Stages) == 0 {
		pipeline, _ = config.LoadPipeline("")
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Orchestrator{
		bus:           deps.Bus,
		sessions:      deps.Sessions,
		checkpoints:   deps.Checkpoints,
		errorLogs:     deps.ErrorLogs,
		generator:     deps.Generator,
		enricher:      deps.Enricher,
		logger:        logger,
		pipeline:      pipeline,
		maxRetries:    maxRetries,
		sessionTTL:    sessionTTL,
		registry:      NewRegistry(deps.ReapGrace),
		webhookSecret: deps.WebhookSecret,
		httpClient:    httpClient,
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

type StartParams struct {
	SessionID     string
	ApplicationID *uuid.UUID
	FormData      json.RawMessage
	FileMetadata  json.RawMessage
	WebhookURL    string
}

// Start creates a fresh recovery session and launches its run in the
// background. The returned handle is already registered; callers stream
// progress by subscribing to the bus under the handle's job id.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) (*Handle, error) {
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, active := o.registry.ActiveSession(sessionID); active {
		return nil, domain.ErrJobAlreadyActive
	}

	now := time.Now().UTC()
	session := domain.RecoverySession{
		SessionID:       sessionID,
		ApplicationID:   params.ApplicationID,
		FormData:        params.FormData,
		FileMetadata:    params.FileMetadata,
		Status:          domain.SessionPending,
		CurrentAgent:    0,
		CompletedAgents: []int{},
		MaxRetries:      o.maxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(o.sessionTTL),
	}

	if err := o.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	return o.launch(session, params.WebhookURL), nil
}

// Resume loads a session and re-runs its pipeline from the first incomplete
// stage. Resuming a completed session is a no-op that reports the stored
// final output without running anything.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, webhookURL string) (*Handle, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Expired(time.Now().UTC()) {
		return nil, domain.ErrSessionExpired
	}

	if _, active := o.registry.ActiveSession(sessionID); active {
		return nil, domain.ErrJobAlreadyActive
	}

	if session.Status.Terminal() {
		return o.completedHandle(ctx, session)
	}

	if session.Status == domain.SessionFailed {
		ec := session.ErrorContext
		if ec == nil || !ec.Category.Retryable() || session.RetryCount >= session.MaxRetries {
			return nil, domain.ErrSessionNotResumable
		}
	}

	metrics.IncSessionResumes()
	return o.launch(session, webhookURL), nil
}

// Cancel requests cooperative cancellation of a live job. Canceling a job
// that already terminated is a no-op: finished handles stay resolvable for
// the reap grace period.
func (o *Orchestrator) Cancel(jobID uuid.UUID) error {
	h, ok := o.registry.Lookup(jobID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if h.Status().Terminal() {
		return nil
	}
	h.Cancel()
	return nil
}

func (o *Orchestrator) launch(session domain.RecoverySession, webhookURL string) *Handle {
	job := domain.NewJob(session.SessionID)

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		jobID:     job.ID,
		sessionID: session.SessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    domain.JobQueued,
	}
	// The stream must exist before the handle is visible so that subscribers
	// arriving ahead of the first publish still attach to it.
	o.bus.Open(job.ID)
	o.registry.add(h)

	go o.run(runCtx, h, job, session, webhookURL)
	return h
}

// completedHandle serves an idempotent resume of an already-finished session:
// a terminal handle carrying the final stage's checkpointed output.
func (o *Orchestrator) completedHandle(ctx context.Context, session domain.RecoverySession) (*Handle, error) {
	cps, err := o.checkpoints.List(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}

	var output json.RawMessage
	for _, cp := range cps {
		if cp.AgentIndex == len(o.pipeline.Stages)-1 {
			output = cp.AgentOutput
		}
	}

	h := &Handle{
		jobID:     uuid.New(),
		sessionID: session.SessionID,
		cancel:    func() {},
		done:      make(chan struct{}),
	}
	h.setFinal(domain.JobCompleted, output)
	return h, nil
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, job *domain.Job, session domain.RecoverySession, webhookURL string) {
	logger := logging.ForJob(o.logger, job.ID.String(), session.SessionID)

	cps, err := o.checkpoints.List(ctx, session.SessionID)
	if err != nil {
		perr := domain.NewPipelineError(domain.ErrorRecoverable, "checkpoint_load", "could not load checkpoints", err)
		o.failJob(ctx, h, job, &session, session.CurrentAgent, perr, logger, webhookURL)
		return
	}

	byIndex := make(map[int]domain.AgentCheckpoint, len(cps))
	for _, cp := range cps {
		byIndex[cp.AgentIndex] = cp
	}

	stages := o.pipeline.Stages
	outputs := make([]json.RawMessage, len(stages))
	genCtx := generate.Context{
		FormData:     session.FormData,
		FileMetadata: session.FileMetadata,
		PriorOutputs: outputs,
	}

	job.Status = domain.JobRunning
	h.mu.Lock()
	h.status = domain.JobRunning
	h.mu.Unlock()

	o.bus.Publish(job.ID, domain.EventJobStatus, domain.JobStatusPayload{
		Status:       domain.JobRunning,
		CurrentAgent: session.CurrentAgent,
	})
	if err := o.sessions.SetProgress(ctx, session.SessionID, domain.SessionProcessing, session.CurrentAgent, completedIndexes(byIndex)); err != nil {
		logger.Error("session progress update failed", "error", err)
	}

	for i, stage := range stages {
		// Completed stages are skipped entirely on resume: the checkpointed
		// output feeds the context and the generation step is never re-invoked.
		if cp, ok := byIndex[i]; ok {
			outputs[i] = cp.AgentOutput
			job.CompletedStages[i] = true
			o.bus.Publish(job.ID, domain.EventStepCompleted, domain.StepCompletedPayload{
				AgentIndex:      i,
				AgentName:       cp.AgentName,
				ExecutionTimeMs: cp.ExecutionTimeMs,
				Model:           cp.ModelUsed,
				TokensUsed:      cp.TokensUsed,
				CostUSD:         cp.CostUSD,
				FromCheckpoint:  true,
			})
			o.maybeEnrich(ctx, i, &genCtx, logger)
			continue
		}

		// Stage boundaries are the safe cancellation points.
		if ctx.Err() != nil {
			o.cancelJob(h, job, &session, i, logger, webhookURL)
			return
		}

		job.CurrentStage = i
		o.bus.Publish(job.ID, domain.EventStepStarted, domain.StepStartedPayload{
			AgentIndex: i,
			AgentName:  stage.Name,
			Model:      stage.Model,
			Resumed:    session.RetryCount > 0,
		})

		cp, perr := o.runStage(ctx, job, i, stage, genCtx)
		if perr != nil {
			if ctx.Err() != nil {
				o.cancelJob(h, job, &session, i, logger, webhookURL)
				return
			}
			o.failJob(ctx, h, job, &session, i, perr, logger, webhookURL)
			return
		}

		if err := o.checkpoints.Upsert(ctx, cp); err != nil {
			perr := domain.NewPipelineError(domain.ErrorRecoverable, "checkpoint_write", "could not persist stage checkpoint", err)
			o.failJob(ctx, h, job, &session, i, perr, logger, webhookURL)
			return
		}

		outputs[i] = cp.AgentOutput
		job.CompletedStages[i] = true
		byIndex[i] = cp

		if err := o.sessions.SetProgress(ctx, session.SessionID, domain.SessionProcessing, i+1, completedIndexes(byIndex)); err != nil {
			logger.Error("session progress update failed", "stage", i, "error", err)
		}

		o.bus.Publish(job.ID, domain.EventStepCompleted, domain.StepCompletedPayload{
			AgentIndex:      i,
			AgentName:       cp.AgentName,
			ExecutionTimeMs: cp.ExecutionTimeMs,
			Model:           cp.ModelUsed,
			TokensUsed:      cp.TokensUsed,
			CostUSD:         cp.CostUSD,
		})

		logger.Info("stage completed",
			"stage", i,
			"agent", stage.Name,
			"duration_ms", cp.ExecutionTimeMs,
			"tokens", cp.TokensUsed,
		)

		o.maybeEnrich(ctx, i, &genCtx, logger)
	}

	// All stages done.
	finalStatus := domain.SessionCompleted
	if session.RetryCount > 0 {
		finalStatus = domain.SessionRecovered
	}
	if err := o.sessions.SetProgress(ctx, session.SessionID, finalStatus, len(stages), completedIndexes(byIndex)); err != nil {
		logger.Error("final session update failed", "error", err)
	}

	o.finishJob(h, job, domain.JobCompleted, outputs[len(stages)-1], session.SessionID, logger, webhookURL)
}

func (o *Orchestrator) runStage(ctx context.Context, job *domain.Job, index int, stage config.StageConfig, genCtx generate.Context) (domain.AgentCheckpoint, *domain.PipelineError) {
	stageCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
	defer cancel()

	started := time.Now()

	stream, err := o.generator.Generate(stageCtx, generate.Request{
		AgentIndex: index,
		AgentName:  stage.Name,
		Model:      stage.Model,
		Context:    genCtx,
	})
	if err != nil {
		return domain.AgentCheckpoint{}, domain.Classify(err)
	}

	ch := newChunker(stage.ChunkMaxChars, stage.ChunkMaxElapsed, func(text string) {
		o.bus.Publish(job.ID, domain.EventAgentChunk, domain.ChunkPayload{
			AgentIndex: index,
			Text:       text,
		})
		metrics.IncChunkEvents()
	})

	for chunk := range stream.Chunks() {
		ch.Add(chunk)
	}

	result, err := stream.Final()
	if err != nil {
		return domain.AgentCheckpoint{}, domain.Classify(err)
	}

	// The trailing buffered text must always reach subscribers.
	ch.Flush()

	elapsed := time.Since(started)
	metrics.ObserveStageDuration(elapsed)

	return domain.AgentCheckpoint{
		SessionID:       job.SessionID,
		AgentIndex:      index,
		AgentName:       stage.Name,
		AgentOutput:     result.Output,
		ExecutionTimeMs: elapsed.Milliseconds(),
		ModelUsed:       result.Usage.Model,
		TokensUsed:      result.Usage.TokensUsed,
		CostUSD:         result.Usage.CostUSD,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// maybeEnrich runs the best-effort side branch once, after the designated
// stage. Its failure only omits the enrichment value from later stages.
func (o *Orchestrator) maybeEnrich(ctx context.Context, completedStage int, genCtx *generate.Context, logger *slog.Logger) {
	if o.enricher == nil || completedStage != o.pipeline.EnrichAfterStage || genCtx.Enrichment != "" {
		return
	}

	enrichCtx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	value, err := o.enricher.Enrich(enrichCtx, genCtx.FormData, o.pipeline.EnrichModel)
	if err != nil {
		metrics.IncEnrichmentFailures()
		logger.Warn("enrichment branch failed, continuing without it", "error", err)
		return
	}

	genCtx.Enrichment = value
}

func (o *Orchestrator) failJob(ctx context.Context, h *Handle, job *domain.Job, session *domain.RecoverySession, stage int, perr *domain.PipelineError, logger *slog.Logger, webhookURL string) {
	errID := uuid.New()

	entry := domain.ErrorLog{
		ErrorID:       errID,
		SessionID:     session.SessionID,
		ErrorType:     perr.Kind,
		ErrorCategory: perr.Category,
		ErrorMessage:  perr.Message,
		CreatedAt:     time.Now().UTC(),
	}
	if perr.Err != nil {
		entry.Stacktrace = perr.Err.Error()
	}
	// Audit insert comes first so the error id in the event always resolves.
	// Store failures here are logged, never allowed to mask the stage error.
	if err := o.errorLogs.Insert(ctx, entry); err != nil {
		logger.Error("error log insert failed", "error_id", errID, "error", err)
	}

	retryable := perr.Category.Retryable()
	newCount := session.RetryCount
	if retryable {
		newCount++
	}
	resumable := retryable && newCount < session.MaxRetries

	errCtx := domain.ErrorContext{
		ErrorID:  errID,
		Kind:     perr.Kind,
		Category: perr.Category,
		Message:  perr.Message,
	}
	if err := o.sessions.RecordFailure(ctx, session.SessionID, errCtx, newCount); err != nil {
		logger.Error("session failure update failed", "error_id", errID, "error", err)
	}
	session.RetryCount = newCount
	session.ErrorContext = &errCtx

	o.bus.Publish(job.ID, domain.EventError, domain.ErrorPayload{
		ErrorID:   errID,
		SessionID: session.SessionID,
		Category:  perr.Category,
		Message:   perr.Message,
		Retryable: resumable,
	})

	logger.Error("stage failed",
		"stage", stage,
		"category", perr.Category,
		"error_id", errID,
		"retry_count", newCount,
		"resumable", resumable,
		"error", perr.Err,
	)

	o.finishJob(h, job, domain.JobFailed, nil, session.SessionID, logger, webhookURL)
}

func (o *Orchestrator) cancelJob(h *Handle, job *domain.Job, session *domain.RecoverySession, stage int, logger *slog.Logger, webhookURL string) {
	// The session stays resumable: completed checkpoints are intact and no
	// checkpoint was written for the interrupted stage.
	updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	completed := make([]int, 0, len(job.CompletedStages))
	for idx := range job.CompletedStages {
		completed = append(completed, idx)
	}
	sort.Ints(completed)
	if err := o.sessions.SetProgress(updateCtx, session.SessionID, domain.SessionPending, stage, completed); err != nil {
		logger.Error("session cancel update failed", "error", err)
	}

	logger.Info("job canceled", "stage", stage)
	o.finishJob(h, job, domain.JobCanceled, nil, session.SessionID, logger, webhookURL)
}

func (o *Orchestrator) finishJob(h *Handle, job *domain.Job, status domain.JobStatus, output json.RawMessage, sessionID string, logger *slog.Logger, webhookURL string) {
	job.Status = status

	o.bus.Publish(job.ID, domain.EventJobStatus, domain.JobStatusPayload{
		Status:       status,
		CurrentAgent: job.CurrentStage,
	})
	o.bus.Publish(job.ID, domain.EventDone, domain.DonePayload{
		FinalStatus: status,
		SessionID:   sessionID,
	})
	o.bus.Close(job.ID)

	metrics.IncJobStatus(status)
	o.registry.finish(h, status, output)

	if webhookURL != "" {
		webhookCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		go func() {
			defer cancel()
			o.deliverTerminalWebhook(webhookCtx, job.ID, sessionID, status, webhookURL)
		}()
	}

	logger.Info("job finished", "status", status)
}

func completedIndexes(byIndex map[int]domain.AgentCheckpoint) []int {
	out := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
