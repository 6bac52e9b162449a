// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/metrics"
	"github.com/adiadia/draftpipe/internal/orchestrator"
	"github.com/adiadia/draftpipe/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type startJobRequest struct {
	SessionID     string          `json:"session_id"`
	ApplicationID string          `json:"application_id"`
	FormData      json.RawMessage `json:"form_data"`
	FileMetadata  json.RawMessage `json:"file_metadata"`
	WebhookURL    string          `json:"webhook_url"`
}

type resumeSessionRequest struct {
	WebhookURL string `json:"webhook_url"`
}

type Deps struct {
	Jobs            JobService
	Events          EventSource
	Sessions        SessionReader
	Checkpoints     CheckpointReader
	ErrorLogs       ErrorLogReader
	Insights        InsightWatcher
	Health          HealthChecker
	Logger          *slog.Logger
	AdminToken      string
	StartRatePerMin int
	Version         string
	Commit          string
	BuildDate       string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	// The insight listener is an independent stream consumer: it runs in its
	// own goroutine and must never hold up the 202 ack. A handle that is
	// already terminal has no live stream left to observe.
	watchInsights := func(h *orchestrator.Handle) {
		if deps.Insights == nil {
			return
		}
		select {
		case <-h.Done():
		default:
			go deps.Insights.Watch(h.JobID())
		}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- ADMIN ----------------

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		admin.Post("/purge-expired", func(w http.ResponseWriter, r *http.Request) {
			purged, err := deps.Sessions.PurgeExpired(r.Context(), time.Now().UTC())
			if err != nil {
				logger.Error("purge expired sessions failed", "error", err)
				http.Error(w, "failed to purge sessions", http.StatusInternalServerError)
				return
			}

			metrics.AddSessionsPurged(purged)
			logger.Info("expired sessions purged via API", "purged", purged)
			writeJSON(w, http.StatusOK, map[string]int{
				"purged": purged,
			})
		})

		admin.Get("/sessions/{id}/errors", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "id")

			if _, err := deps.Sessions.Get(r.Context(), sessionID); err != nil {
				if errors.Is(err, domain.ErrSessionNotFound) {
					http.Error(w, "session not found", http.StatusNotFound)
					return
				}
				if !errors.Is(err, domain.ErrSessionExpired) {
					logger.Error("get session failed", "session_id", sessionID, "error", err)
					http.Error(w, "failed to list errors", http.StatusInternalServerError)
					return
				}
				// Expired sessions keep their audit trail until purged.
			}

			entries, err := deps.ErrorLogs.ListBySession(r.Context(), sessionID)
			if err != nil {
				logger.Error("list error logs failed", "session_id", sessionID, "error", err)
				http.Error(w, "failed to list errors", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				SessionID string            `json:"session_id"`
				Errors    []domain.ErrorLog `json:"errors"`
			}{
				SessionID: sessionID,
				Errors:    entries,
			})
		})
	})

	// ---------------- START JOB ----------------

	start := func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := decodeStartJobRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		params := domainStartParams(reqBody)
		h, err := deps.Jobs.Start(r.Context(), params)
		if err != nil {
			if errors.Is(err, domain.ErrJobAlreadyActive) {
				http.Error(w, "session already has an active job", http.StatusConflict)
				return
			}
			logger.Error("start job failed", "error", err)
			http.Error(w, "failed to start job", http.StatusInternalServerError)
			return
		}

		watchInsights(h)

		logger.Info("job started via API", "job_id", h.JobID(), "session_id", h.SessionID())

		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id":     h.JobID().String(),
			"session_id": h.SessionID(),
			"status":     string(domain.JobQueued),
		})
	}
	if deps.StartRatePerMin > 0 {
		limited := middleware.RateLimit(deps.StartRatePerMin, logger)(http.HandlerFunc(start))
		r.Method(http.MethodPost, "/jobs", limited)
	} else {
		r.Post("/jobs", start)
	}

	// ---------------- GET JOB ----------------

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		h, ok := deps.Jobs.Registry().Lookup(jobID)
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		resp := map[string]string{
			"job_id":     h.JobID().String(),
			"session_id": h.SessionID(),
			"status":     string(h.Status()),
		}
		if out := h.Output(); len(out) > 0 {
			writeJSON(w, http.StatusOK, struct {
				JobID     string          `json:"job_id"`
				SessionID string          `json:"session_id"`
				Status    string          `json:"status"`
				Output    json.RawMessage `json:"output"`
			}{
				JobID:     h.JobID().String(),
				SessionID: h.SessionID(),
				Status:    string(h.Status()),
				Output:    out,
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// ---------------- CANCEL JOB ----------------

	r.Post("/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		if err := deps.Jobs.Cancel(jobID); err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			logger.Error("cancel job failed", "job_id", jobID, "error", err)
			http.Error(w, "failed to cancel job", http.StatusInternalServerError)
			return
		}

		logger.Info("job cancel requested via API", "job_id", jobID)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID.String(),
			"status": "canceling",
		})
	})

	// ---------------- STREAM EVENTS ----------------

	r.Get("/jobs/{id}/events", streamSSEHandler(deps, logger))
	r.Get("/jobs/{id}/ws", streamWSHandler(deps, logger))

	// ---------------- RESUME SESSION ----------------

	r.Post("/sessions/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		reqBody, err := decodeResumeSessionRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		h, err := deps.Jobs.Resume(r.Context(), sessionID, reqBody.WebhookURL)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrSessionNotFound):
				http.Error(w, "session not found", http.StatusNotFound)
			case errors.Is(err, domain.ErrSessionExpired):
				http.Error(w, "session expired", http.StatusGone)
			case errors.Is(err, domain.ErrSessionNotResumable):
				http.Error(w, "session is not resumable", http.StatusConflict)
			case errors.Is(err, domain.ErrJobAlreadyActive):
				http.Error(w, "session already has an active job", http.StatusConflict)
			default:
				logger.Error("resume session failed", "session_id", sessionID, "error", err)
				http.Error(w, "failed to resume session", http.StatusInternalServerError)
			}
			return
		}

		watchInsights(h)

		logger.Info("session resumed via API", "session_id", sessionID, "job_id", h.JobID())

		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id":     h.JobID().String(),
			"session_id": sessionID,
			"status":     string(h.Status()),
		})
	})

	// ---------------- GET SESSION ----------------

	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		session, err := deps.Sessions.Get(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
			if errors.Is(err, domain.ErrSessionExpired) {
				http.Error(w, "session expired", http.StatusGone)
				return
			}
			logger.Error("get session failed", "session_id", sessionID, "error", err)
			http.Error(w, "failed to get session", http.StatusInternalServerError)
			return
		}

		checkpoints, err := deps.Checkpoints.List(r.Context(), sessionID)
		if err != nil {
			logger.Error("list checkpoints failed", "session_id", sessionID, "error", err)
			http.Error(w, "failed to get session", http.StatusInternalServerError)
			return
		}

		cost, err := deps.Checkpoints.Cost(r.Context(), sessionID)
		if err != nil {
			logger.Error("session cost rollup failed", "session_id", sessionID, "error", err)
			http.Error(w, "failed to get session", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Session     domain.RecoverySession      `json:"session"`
			Checkpoints []domain.AgentCheckpoint    `json:"checkpoints"`
			Cost        domain.SessionCostBreakdown `json:"cost"`
		}{
			Session:     session,
			Checkpoints: checkpoints,
			Cost:        cost,
		})
	})

	return r
}

func domainStartParams(req startJobRequest) orchestrator.StartParams {
	params := orchestrator.StartParams{
		SessionID:    req.SessionID,
		FormData:     req.FormData,
		FileMetadata: req.FileMetadata,
		WebhookURL:   req.WebhookURL,
	}
	if req.ApplicationID != "" {
		if id, err := uuid.Parse(req.ApplicationID); err == nil {
			params.ApplicationID = &id
		}
	}
	return params
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeStartJobRequest(r *http.Request) (startJobRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return startJobRequest{}, errors.New("missing request body")
	}

	var req startJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return startJobRequest{}, errors.New("invalid request body")
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return startJobRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	if len(req.FormData) == 0 || string(req.FormData) == "null" {
		return startJobRequest{}, errors.New("form_data is required")
	}
	if req.ApplicationID != "" {
		if _, err := uuid.Parse(req.ApplicationID); err != nil {
			return startJobRequest{}, errors.New("invalid application_id")
		}
	}

	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return startJobRequest{}, err
	}

	return req, nil
}

func decodeResumeSessionRequest(r *http.Request) (resumeSessionRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return resumeSessionRequest{}, nil
	}

	var req resumeSessionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return resumeSessionRequest{}, nil
		}
		return resumeSessionRequest{}, errors.New("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return resumeSessionRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return resumeSessionRequest{}, err
	}

	return req, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("invalid webhook_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("unsupported webhook_url scheme")
	}
	return nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
