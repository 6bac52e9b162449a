// SPDX-License-Identifier: Apache-2.0

package insight

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adiadia/draftpipe/internal/bus"
	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/generate"
	"github.com/google/uuid"
)

func newListenerFixture(t *testing.T, summarizer generate.Summarizer) (*bus.Bus, *Listener, uuid.UUID, chan struct{}) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBus := bus.New(bus.Deps{Logger: logger})
	listener := New(Deps{
		Bus:         eventBus,
		Summarizer:  summarizer,
		Logger:      logger,
		MinInterval: time.Nanosecond,
	})

	jobID := uuid.New()
	eventBus.Open(jobID)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		listener.Watch(jobID)
	}()

	return eventBus, listener, jobID, watchDone
}

func publishStepStarted(b *bus.Bus, jobID uuid.UUID, stage int) {
	b.Publish(jobID, domain.EventStepStarted, domain.StepStartedPayload{
		AgentIndex: stage,
		AgentName:  "draft_generation",
		Model:      "fast-draft-v2",
	})
}

func publishChunk(b *bus.Bus, jobID uuid.UUID, stage int, text string) {
	b.Publish(jobID, domain.EventAgentChunk, domain.ChunkPayload{
		AgentIndex: stage,
		Text:       text,
	})
}

func decodeInsight(t *testing.T, ev domain.Event) domain.InsightPayload {
	t.Helper()
	var p domain.InsightPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode insight payload: %v", err)
	}
	return p
}

// awaitInsights reads the subscription, snapshot first, until it has seen
// want insight events or the deadline passes. It returns the decoded payloads
// in arrival order.
func awaitInsights(t *testing.T, sub *bus.Subscription, want int, wait time.Duration) []domain.InsightPayload {
	t.Helper()

	var got []domain.InsightPayload
	for _, ev := range sub.Snapshot() {
		if ev.Type == domain.EventInsight {
			got = append(got, decodeInsight(t, ev))
		}
	}

	timeout := time.After(wait)
	for len(got) < want {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return got
			}
			if ev.Type != domain.EventInsight {
				continue
			}
			got = append(got, decodeInsight(t, ev))
		case <-timeout:
			return got
		}
	}
	return got
}

func finishJob(t *testing.T, b *bus.Bus, jobID uuid.UUID, watchDone chan struct{}) {
	t.Helper()

	b.Publish(jobID, domain.EventDone, domain.DonePayload{FinalStatus: domain.JobCompleted})
	select {
	case <-watchDone:
	case <-time.After(3 * time.Second):
		t.Fatal("listener never stopped after done event")
	}
	b.Close(jobID)
}

func TestListenerEmitsInsightsFromStageText(t *testing.T) {
	summarizer := &generate.ScriptedSummarizer{
		Highlights: []string{"strong cloud migration track record", "quantified latency wins", "a third highlight that exceeds the cap"},
	}
	eventBus, _, jobID, watchDone := newListenerFixture(t, summarizer)

	sub := eventBus.Subscribe(jobID)
	defer sub.Unsubscribe()

	publishStepStarted(eventBus, jobID, 2)
	publishChunk(eventBus, jobID, 2, "the candidate led a three-region cloud migration")

	insights := awaitInsights(t, sub, 2, 3*time.Second)
	if len(insights) != 2 {
		t.Fatalf("expected 2 insights per extraction at most, got %d", len(insights))
	}
	for i, p := range insights {
		if p.AgentIndex != 2 {
			t.Fatalf("insight %d carries stage %d, want 2", i, p.AgentIndex)
		}
		if p.Message != summarizer.Highlights[i] {
			t.Fatalf("insight %d message %q, want %q", i, p.Message, summarizer.Highlights[i])
		}
	}

	finishJob(t, eventBus, jobID, watchDone)
}

func TestListenerDeduplicatesWithinStage(t *testing.T) {
	summarizer := &generate.ScriptedSummarizer{
		Highlights: []string{"Shipped the billing rewrite"},
	}
	eventBus, _, jobID, watchDone := newListenerFixture(t, summarizer)

	sub := eventBus.Subscribe(jobID)
	defer sub.Unsubscribe()

	publishStepStarted(eventBus, jobID, 0)
	publishChunk(eventBus, jobID, 0, "first burst of text")
	publishChunk(eventBus, jobID, 0, "second burst of text")
	publishChunk(eventBus, jobID, 0, "third burst of text")

	first := awaitInsights(t, sub, 1, 3*time.Second)
	if len(first) != 1 {
		t.Fatalf("expected the repeated highlight once, got %d", len(first))
	}

	// No further insight may arrive for the same stage and message.
	if extra := awaitInsights(t, sub, 1, 300*time.Millisecond); len(extra) != 0 {
		t.Fatalf("duplicate highlight was republished: %+v", extra)
	}

	// The same wording on a later stage is a fresh insight.
	publishStepStarted(eventBus, jobID, 1)
	publishChunk(eventBus, jobID, 1, "text for the next stage")

	second := awaitInsights(t, sub, 1, 3*time.Second)
	if len(second) != 1 || second[0].AgentIndex != 1 {
		t.Fatalf("expected the highlight again on stage 1, got %+v", second)
	}

	finishJob(t, eventBus, jobID, watchDone)
}

func TestListenerSummarizerFailureIsIsolated(t *testing.T) {
	summarizer := &generate.ScriptedSummarizer{Err: errors.New("summarizer offline")}
	eventBus, _, jobID, watchDone := newListenerFixture(t, summarizer)

	sub := eventBus.Subscribe(jobID)
	defer sub.Unsubscribe()

	publishStepStarted(eventBus, jobID, 0)
	publishChunk(eventBus, jobID, 0, "text the summarizer will choke on")
	publishChunk(eventBus, jobID, 0, "more text, still failing")

	if got := awaitInsights(t, sub, 1, 300*time.Millisecond); len(got) != 0 {
		t.Fatalf("failing summarizer must emit nothing, got %+v", got)
	}

	// The listener keeps consuming the stream and still honors the done event.
	finishJob(t, eventBus, jobID, watchDone)
}

func TestListenerJoinsInProgressStream(t *testing.T) {
	summarizer := &generate.ScriptedSummarizer{
		Highlights: []string{"joined mid-stream"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBus := bus.New(bus.Deps{Logger: logger})
	listener := New(Deps{
		Bus:         eventBus,
		Summarizer:  summarizer,
		Logger:      logger,
		MinInterval: time.Nanosecond,
	})

	jobID := uuid.New()

	// Events published before the listener attaches arrive via the snapshot.
	publishStepStarted(eventBus, jobID, 0)
	publishChunk(eventBus, jobID, 0, "text emitted before the watcher existed")

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		listener.Watch(jobID)
	}()

	sub := eventBus.Subscribe(jobID)
	defer sub.Unsubscribe()

	publishChunk(eventBus, jobID, 0, "text emitted after attach")

	got := awaitInsights(t, sub, 1, 3*time.Second)
	if len(got) != 1 || got[0].Message != "joined mid-stream" {
		t.Fatalf("expected one insight from the replayed window, got %+v", got)
	}

	finishJob(t, eventBus, jobID, watchDone)
}
