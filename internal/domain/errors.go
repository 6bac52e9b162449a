// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCategory string

const (
	ErrorTransient   ErrorCategory = "TRANSIENT"
	ErrorRecoverable ErrorCategory = "RECOVERABLE"
	ErrorPermanent   ErrorCategory = "PERMANENT"
)

// Retryable reports whether a failure in this category is eligible for a
// client-initiated retry (budget permitting).
func (c ErrorCategory) Retryable() bool {
	return c == ErrorTransient || c == ErrorRecoverable
}

var ErrSessionNotFound = errors.New("recovery session not found")
var ErrSessionExpired = errors.New("recovery session expired")
var ErrSessionNotResumable = errors.New("recovery session not resumable")
var ErrRetriesExhausted = errors.New("retry budget exhausted")
var ErrJobNotFound = errors.New("job not found")
var ErrJobAlreadyActive = errors.New("session already has an active job")

// PipelineError is the classified failure type every generation-step error is
// normalized into before the orchestrator reacts to it.
type PipelineError struct {
	Category ErrorCategory
	Kind     string
	Message  string
	Err      error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Category, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(category ErrorCategory, kind, message string, err error) *PipelineError {
	return &PipelineError{
		Category: category,
		Kind:     kind,
		Message:  message,
		Err:      err,
	}
}

// Classify maps an arbitrary error onto the taxonomy. Errors already carrying
// a category keep it; timeouts and cancellations are TRANSIENT; everything
// unrecognized defaults to RECOVERABLE so one manual retry stays possible.
func Classify(err error) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewPipelineError(ErrorTransient, "stage_timeout", "stage timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewPipelineError(ErrorTransient, "stage_canceled", "stage canceled", err)
	}

	return NewPipelineError(ErrorRecoverable, "stage_failure", "stage produced an error", err)
}
