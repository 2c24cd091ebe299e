package api

import (
	"context"
)

// StepHandler is the pluggable implementation bound to a step's Ref.
//
// A returned error and a result with OK == false are treated identically by
// the engine: both count as a failed attempt. Handlers must not alter the
// control flow of the run (Next, Retry, StopOnFailure).
type StepHandler interface {
	Run(ctx context.Context, ec *ExecutionContext, params map[string]any) (StepResult, error)
}

// HandlerFunc adapts a plain function to StepHandler.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext, params map[string]any) (StepResult, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, ec *ExecutionContext, params map[string]any) (StepResult, error) {
	return f(ctx, ec, params)
}

// JobQueue is the engine's view of the retry queue: it only ever hands over
// the id of a persisted FailureJob.
type JobQueue interface {
	EnqueueJob(ctx context.Context, jobID string) error
}

// NoopJobQueue drops every job. It is used when no queue is configured.
type NoopJobQueue struct{}

func (NoopJobQueue) EnqueueJob(ctx context.Context, jobID string) error { return nil }
