// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/google/uuid"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	JobID      uuid.UUID        `json:"job_id"`
	SessionID  string           `json:"session_id"`
	Status     domain.JobStatus `json:"status"`
	FinishedAt time.Time        `json:"finished_at"`
}

// deliverTerminalWebhook notifies the caller's webhook once a job terminates.
// Delivery is best-effort with bounded retries; it never affects job state.
func (o *Orchestrator) deliverTerminalWebhook(
	ctx context.Context,
	jobID uuid.UUID,
	sessionID string,
	status domain.JobStatus,
	webhookURL string,
) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" || o.httpClient == nil {
		return
	}

	body, err := json.Marshal(terminalWebhookPayload{
		JobID:      jobID,
		SessionID:  sessionID,
		Status:     status,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Error("webhook payload marshal failed",
			"job_id", jobID,
			"status", status,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(o.webhookSecret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := o.httpClient.Do(req)
		if err != nil {
			lastErr = err
			o.logger.Warn("webhook failure",
				"job_id", jobID,
				"status", status,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				o.logger.Info("webhook delivered",
					"job_id", jobID,
					"status", status,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			o.logger.Warn("webhook failure",
				"job_id", jobID,
				"status", status,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		o.logger.Error("webhook retries exhausted",
			"job_id", jobID,
			"status", status,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
