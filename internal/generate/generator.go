// SPDX-License-Identifier: Apache-2.0

// Package generate defines the boundary to the external text-generation
// collaborator. The orchestrator only depends on these interfaces: a stage is
// an opaque call that streams text chunks and finishes with a structured
// result plus usage metadata. Implementations must observe context
// cancellation and surface failures as classified pipeline errors.
package generate

import (
	"context"
	"encoding/json"
)

// Context is the accumulated input handed to each stage: the original
// submission plus every prior stage's checkpointed output, and the optional
// enrichment value produced by the side branch.
type Context struct {
	FormData     json.RawMessage
	FileMetadata json.RawMessage
	Enrichment   string
	PriorOutputs []json.RawMessage
}

// Request identifies one stage invocation.
type Request struct {
	AgentIndex int
	AgentName  string
	Model      string
	Context    Context
}

// Usage is the accounting metadata reported once a stage stream ends.
type Usage struct {
	Model      string  `json:"model"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Result is a stage's final structured output.
type Result struct {
	Output json.RawMessage `json:"output"`
	Usage  Usage           `json:"usage"`
}

// Stream is a single in-flight stage call. Chunks yields incremental text and
// closes when the stream ends; Final then returns the result or the classified
// error. Final must not be called before Chunks is drained.
type Stream interface {
	Chunks() <-chan string
	Final() (Result, error)
}

// Generator runs pipeline stages.
type Generator interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Enricher is the optional side-branch collaborator. Its failure is
// best-effort by contract: callers log it and continue without the value.
type Enricher interface {
	Enrich(ctx context.Context, formData json.RawMessage, model string) (string, error)
}

// Summarizer extracts short highlights from in-flight stage text for the
// insight listener.
type Summarizer interface {
	Summarize(ctx context.Context, text string) ([]string, error)
}
