// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}

	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestProdLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "prod")

	logger.Info("pipeline started", "stage", 0)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "pipeline started" {
		t.Fatalf("unexpected msg: %v", record["msg"])
	}
}

func TestForJobAddsCorrelationKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "prod")

	ForJob(logger, "job-1", "sess-1").Info("chunk emitted")

	out := buf.String()
	if !strings.Contains(out, `"job_id":"job-1"`) {
		t.Fatalf("expected job_id in output, got %s", out)
	}
	if !strings.Contains(out, `"session_id":"sess-1"`) {
		t.Fatalf("expected session_id in output, got %s", out)
	}
}

func TestForJobNilLogger(t *testing.T) {
	if ForJob(nil, "job", "sess") == nil {
		t.Fatal("expected fallback logger")
	}
}
