// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInMemoryRateLimiter(t *testing.T) {
	limiter := newInMemoryRateLimiter()
	now := time.Now()

	t.Run("allows up to the bucket capacity", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			decision := limiter.Allow("10.0.0.1", 3, now)
			if !decision.Allowed {
				t.Fatalf("request %d should have been allowed", i)
			}
		}

		decision := limiter.Allow("10.0.0.1", 3, now)
		if decision.Allowed {
			t.Fatal("fourth request should have been rejected")
		}
		if decision.RetryAfterSeconds < 1 {
			t.Fatalf("expected positive retry-after, got %d", decision.RetryAfterSeconds)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		if decision := limiter.Allow("10.0.0.2", 3, now); !decision.Allowed {
			t.Fatal("fresh key should have a full bucket")
		}
	})

	t.Run("refills over time", func(t *testing.T) {
		decision := limiter.Allow("10.0.0.1", 3, now.Add(time.Minute))
		if !decision.Allowed {
			t.Fatal("bucket should refill after a minute")
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RateLimit(1, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.RemoteAddr = "192.0.2.1:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request: expected %d got %d", http.StatusAccepted, rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected %d got %d", http.StatusTooManyRequests, rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on rejection")
	}

	other := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	other.RemoteAddr = "192.0.2.99:4242"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("different client: expected %d got %d", http.StatusAccepted, rec.Code)
	}
}
