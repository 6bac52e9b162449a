// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/google/uuid"
)

// Handle tracks one fire-and-forget pipeline run. It stays resolvable for a
// grace period after the run terminates so callers can still await and read
// the final state.
type Handle struct {
	jobID     uuid.UUID
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex
	status domain.JobStatus
	output json.RawMessage
}

func (h *Handle) JobID() uuid.UUID {
	return h.jobID
}

func (h *Handle) SessionID() string {
	return h.sessionID
}

// Cancel requests cooperative cancellation. The run stops at the next stage
// boundary; the in-flight generation call sees its context canceled.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Done closes when the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Status() domain.JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Output returns the final stage output once the run completed.
func (h *Handle) Output() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// AwaitTerminal blocks until the run terminates or ctx expires.
func (h *Handle) AwaitTerminal(ctx context.Context) (domain.JobStatus, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Handle) setFinal(status domain.JobStatus, output json.RawMessage) {
	h.mu.Lock()
	h.status = status
	h.output = output
	h.mu.Unlock()
	close(h.done)
}

// Registry indexes live handles by job and session so HTTP handlers can
// cancel or await runs, and so a session can never have two concurrent
// producers.
type Registry struct {
	reapGrace time.Duration

	mu        sync.Mutex
	byJob     map[uuid.UUID]*Handle
	bySession map[string]*Handle
}

func NewRegistry(reapGrace time.Duration) *Registry {
	if reapGrace <= 0 {
		reapGrace = 30 * time.Second
	}
	return &Registry{
		reapGrace: reapGrace,
		byJob:     make(map[uuid.UUID]*Handle, 16),
		bySession: make(map[string]*Handle, 16),
	}
}

func (r *Registry) add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[h.jobID] = h
	r.bySession[h.sessionID] = h
}

func (r *Registry) Lookup(jobID uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byJob[jobID]
	return h, ok
}

// ActiveSession returns the session's handle only while its run is still in
// flight.
func (r *Registry) ActiveSession(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	select {
	case <-h.done:
		return nil, false
	default:
		return h, true
	}
}

func (r *Registry) finish(h *Handle, status domain.JobStatus, output json.RawMessage) {
	h.setFinal(status, output)

	time.AfterFunc(r.reapGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.byJob[h.jobID]; ok && current == h {
			delete(r.byJob, h.jobID)
		}
		if current, ok := r.bySession[h.sessionID]; ok && current == h {
			delete(r.bySession, h.sessionID)
		}
	})
}
