// SPDX-License-Identifier: Apache-2.0

// Package insight runs the per-job highlight extractor: an independent
// consumer of the event stream that turns in-flight stage text into short
// insight events without ever touching orchestration timing. Every failure
// inside the listener is swallowed and logged.
package insight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/draftpipe/internal/bus"
	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/generate"
	"github.com/adiadia/draftpipe/internal/metrics"
	"github.com/google/uuid"
)

const (
	defaultWindowSize     = 2000
	defaultMinInterval    = 1500 * time.Millisecond
	maxInsightsPerExtract = 2
	seenLimit             = 64
	extractTimeout        = 10 * time.Second
)

type Deps struct {
	Bus        *bus.Bus
	Summarizer generate.Summarizer
	Logger     *slog.Logger
	// WindowSize and MinInterval default to 2000 chars / 1.5s.
	WindowSize  int
	MinInterval time.Duration
}

type Listener struct {
	bus         *bus.Bus
	summarizer  generate.Summarizer
	logger      *slog.Logger
	windowSize  int
	minInterval time.Duration
}

func New(deps Deps) *Listener {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	windowSize := deps.WindowSize
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}

	minInterval := deps.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}

	return &Listener{
		bus:         deps.Bus,
		summarizer:  deps.Summarizer,
		logger:      logger,
		windowSize:  windowSize,
		minInterval: minInterval,
	}
}

// Watch subscribes to the job's stream and runs until its terminal event.
// Call it in its own goroutine; it shares nothing with the orchestrator
// beyond the bus.
func (l *Listener) Watch(jobID uuid.UUID) {
	sub := l.bus.Subscribe(jobID)
	defer sub.Unsubscribe()

	w := &watcher{
		listener:    l,
		jobID:       jobID,
		logger:      l.logger.With("job_id", jobID.String(), "component", "insight"),
		stage:       -1,
		seen:        make(map[string]struct{}, seenLimit),
		lastExtract: time.Now(),
	}

	for _, ev := range sub.Snapshot() {
		if w.observe(ev) {
			return
		}
	}
	for ev := range sub.Events() {
		if w.observe(ev) {
			return
		}
	}
}

type watcher struct {
	listener *Listener
	jobID    uuid.UUID
	logger   *slog.Logger

	stage       int
	window      string
	seen        map[string]struct{}
	lastExtract time.Time
}

// observe processes one event and reports whether the stream is over.
func (w *watcher) observe(ev domain.Event) bool {
	if ev.Terminal() {
		return true
	}

	switch ev.Type {
	case domain.EventStepStarted:
		var p domain.StepStartedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			w.logger.Warn("bad step payload", "error", err)
			return false
		}
		w.stage = p.AgentIndex
		w.window = ""

	case domain.EventAgentChunk:
		var p domain.ChunkPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			w.logger.Warn("bad chunk payload", "error", err)
			return false
		}
		if p.AgentIndex != w.stage {
			w.stage = p.AgentIndex
			w.window = ""
		}
		w.append(p.Text)
		w.maybeExtract()
	}

	return false
}

func (w *watcher) append(text string) {
	w.window += text
	if over := len(w.window) - w.listener.windowSize; over > 0 {
		w.window = w.window[over:]
	}
}

func (w *watcher) maybeExtract() {
	if time.Since(w.lastExtract) < w.listener.minInterval || w.window == "" {
		return
	}
	w.lastExtract = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
	defer cancel()

	highlights, err := w.listener.summarizer.Summarize(ctx, w.window)
	if err != nil {
		metrics.IncInsightFailures()
		w.logger.Warn("insight extraction failed", "error", err)
		return
	}

	published := 0
	for _, h := range highlights {
		if published >= maxInsightsPerExtract {
			break
		}
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}

		key := dedupeKey(w.stage, h)
		if _, dup := w.seen[key]; dup {
			continue
		}
		if len(w.seen) >= seenLimit {
			// Oldest entries are not tracked; reset rather than grow.
			w.seen = make(map[string]struct{}, seenLimit)
		}
		w.seen[key] = struct{}{}

		w.listener.bus.Publish(w.jobID, domain.EventInsight, domain.InsightPayload{
			AgentIndex: w.stage,
			Message:    h,
		})
		metrics.IncInsightsEmitted()
		published++
	}
}

func dedupeKey(stage int, message string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(message), " "))
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%d:%s", stage, hex.EncodeToString(sum[:8]))
}
