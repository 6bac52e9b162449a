// SPDX-License-Identifier: Apache-2.0

package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
)

// StageScript drives one stage of the scripted generator: the chunks to
// stream, the final output, and an optional error schedule (fail the first
// FailTimes calls with Err, then succeed).
type StageScript struct {
	Chunks     []string
	ChunkDelay time.Duration
	Output     json.RawMessage
	Usage      Usage
	Err        error
	FailTimes  int
}

// Scripted is a deterministic Generator used by tests and by dev mode when no
// real provider is wired. Safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	scripts map[int]*StageScript
	calls   map[int]int
}

func NewScripted() *Scripted {
	return &Scripted{
		scripts: make(map[int]*StageScript, domain.StageCount),
		calls:   make(map[int]int, domain.StageCount),
	}
}

func (s *Scripted) SetStage(index int, script StageScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[index] = &script
}

// Calls reports how often a stage has been invoked, for skip-on-resume
// assertions.
func (s *Scripted) Calls(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[index]
}

func (s *Scripted) Generate(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	script, ok := s.scripts[req.AgentIndex]
	s.calls[req.AgentIndex]++
	call := s.calls[req.AgentIndex]
	s.mu.Unlock()

	if !ok {
		script = &StageScript{
			Chunks: []string{fmt.Sprintf("scripted output for %s", req.AgentName)},
			Output: json.RawMessage(fmt.Sprintf(`{"stage":%d,"text":"scripted output"}`, req.AgentIndex)),
			Usage:  Usage{Model: req.Model, TokensUsed: 128, CostUSD: 0.0004},
		}
	}

	fail := script.Err != nil && (script.FailTimes == 0 || call <= script.FailTimes)

	st := &scriptedStream{
		ch:    make(chan string),
		final: make(chan struct{}),
	}

	go func() {
		defer close(st.ch)

		for _, chunk := range script.Chunks {
			if script.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					st.err = domain.Classify(ctx.Err())
					close(st.final)
					return
				case <-time.After(script.ChunkDelay):
				}
			}
			select {
			case st.ch <- chunk:
			case <-ctx.Done():
				st.err = domain.Classify(ctx.Err())
				close(st.final)
				return
			}
		}

		if fail {
			st.err = domain.Classify(script.Err)
		} else if err := ctx.Err(); err != nil {
			st.err = domain.Classify(err)
		} else {
			usage := script.Usage
			if usage.Model == "" {
				usage.Model = req.Model
			}
			st.result = Result{Output: script.Output, Usage: usage}
		}
		close(st.final)
	}()

	return st, nil
}

type scriptedStream struct {
	ch     chan string
	final  chan struct{}
	result Result
	err    error
}

func (s *scriptedStream) Chunks() <-chan string {
	return s.ch
}

func (s *scriptedStream) Final() (Result, error) {
	<-s.final
	return s.result, s.err
}

// ScriptedEnricher is the side-branch counterpart of Scripted.
type ScriptedEnricher struct {
	Value string
	Err   error

	mu    sync.Mutex
	calls int
}

func (e *ScriptedEnricher) Enrich(ctx context.Context, formData json.RawMessage, model string) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.Err != nil {
		return "", e.Err
	}
	if e.Value == "" {
		return "company research summary", nil
	}
	return e.Value, nil
}

func (e *ScriptedEnricher) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// ScriptedSummarizer returns canned highlights, or fails every call when Err
// is set, for insight-isolation tests.
type ScriptedSummarizer struct {
	Highlights []string
	Err        error
}

func (s *ScriptedSummarizer) Summarize(ctx context.Context, text string) ([]string, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Highlights) > 0 {
		return s.Highlights, nil
	}
	if len(text) > 40 {
		text = text[len(text)-40:]
	}
	return []string{"drafting: " + text}, nil
}
