// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENV", "")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("EVENT_HISTORY_LIMIT", "")
	t.Setenv("MAX_RETRIES", "")

	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTPAddr=:8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected default Env=dev, got %s", cfg.Env)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("expected default SessionTTL=24h, got %s", cfg.SessionTTL)
	}
	if cfg.HistoryLimit != 200 {
		t.Fatalf("expected default HistoryLimit=200, got %d", cfg.HistoryLimit)
	}
	if cfg.SubscriberQueue != 64 {
		t.Fatalf("expected default SubscriberQueue=64, got %d", cfg.SubscriberQueue)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if !cfg.AutoMigrate {
		t.Fatal("expected default AutoMigrate=true")
	}
}

func TestLoadRespectsEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENV", "prod")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("AUTO_MIGRATE", "false")

	cfg := Load()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "prod" {
		t.Fatalf("expected ENV override, got %s", cfg.Env)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("expected SESSION_TTL override, got %s", cfg.SessionTTL)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("expected MAX_RETRIES override, got %d", cfg.MaxRetries)
	}
	if cfg.AutoMigrate {
		t.Fatal("expected AUTO_MIGRATE override to false")
	}
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("EXAMPLE_KEY", "value")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "value" {
		t.Fatalf("expected env value, got %s", got)
	}

	t.Setenv("EXAMPLE_KEY", "")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}

	t.Setenv("INT_KEY", "not-a-number")
	if got := getenvInt("INT_KEY", 7); got != 7 {
		t.Fatalf("expected fallback on bad int, got %d", got)
	}

	t.Setenv("DUR_KEY", "90s")
	if got := getenvDuration("DUR_KEY", time.Minute); got != 90*time.Second {
		t.Fatalf("expected parsed duration, got %s", got)
	}
}

func TestLoadPipelineDefault(t *testing.T) {
	pc, err := LoadPipeline("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pc.Stages) != 5 {
		t.Fatalf("expected 5 default stages, got %d", len(pc.Stages))
	}
	for i, s := range pc.Stages {
		if s.Timeout != 3*time.Minute {
			t.Fatalf("stage %d: expected default timeout 3m, got %s", i, s.Timeout)
		}
		if s.ChunkMaxChars != 500 {
			t.Fatalf("stage %d: expected default chunk chars 500, got %d", i, s.ChunkMaxChars)
		}
		if s.ChunkMaxElapsed != 1200*time.Millisecond {
			t.Fatalf("stage %d: expected default chunk elapsed 1.2s, got %s", i, s.ChunkMaxElapsed)
		}
	}
}

func TestLoadPipelineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	body := `
stages:
  - name: intake
    model: custom-model
    timeout: 30s
  - name: draft
enrich_after_stage: 1
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	pc, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pc.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(pc.Stages))
	}
	if pc.Stages[0].Model != "custom-model" {
		t.Fatalf("expected custom model, got %s", pc.Stages[0].Model)
	}
	if pc.Stages[0].Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %s", pc.Stages[0].Timeout)
	}
	if pc.Stages[1].Model != "fast-draft-v2" {
		t.Fatalf("expected default model fill-in, got %s", pc.Stages[1].Model)
	}
	if pc.EnrichAfterStage != 1 {
		t.Fatalf("expected enrich_after_stage=1, got %d", pc.EnrichAfterStage)
	}
}

func TestLoadPipelineRejectsBadDefinitions(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("stages: []"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPipeline(empty); err == nil {
		t.Fatal("expected error for empty stage list")
	}

	outOfRange := filepath.Join(dir, "range.yaml")
	body := "stages:\n  - name: only\nenrich_after_stage: 4\n"
	if err := os.WriteFile(outOfRange, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPipeline(outOfRange); err == nil {
		t.Fatal("expected error for out-of-range enrich stage")
	}
}
