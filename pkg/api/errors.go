package api

import "errors"

var (
	// ErrStepNotFound is returned when EntryStepID or a Next pointer does not
	// resolve to a step of the workflow. Fatal, never retried.
	ErrStepNotFound = errors.New("step not found")

	// ErrHandlerNotFound is returned when a step's Ref is not registered.
	// Fatal, never retried.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrDuplicateRef is returned by Registry.Register for an already bound ref.
	ErrDuplicateRef = errors.New("ref already registered")

	// ErrStepExecution wraps a handler fault or a non-OK result.
	ErrStepExecution = errors.New("step execution failed")

	// ErrEnqueueFailure marks a failed hand-off to the retry queue. It is
	// logged, never propagated to the run outcome.
	ErrEnqueueFailure = errors.New("enqueue failed")

	// ErrCycleDetected is returned when the step chain revisits a step.
	ErrCycleDetected = errors.New("step chain contains a cycle")

	// ErrMaxStepsExceeded is returned when a run executes more steps than
	// the engine allows.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")

	// ErrSchemaViolation is returned when step output does not match the
	// step's declared outputs or the workflow data schema.
	ErrSchemaViolation = errors.New("data schema violation")

	// ErrJobClaimed is returned when another owner holds the job's lease.
	ErrJobClaimed = errors.New("failure job is claimed by another owner")

	// ErrJobCompleted is returned when resuming a job that already completed.
	ErrJobCompleted = errors.New("failure job already completed")
)
