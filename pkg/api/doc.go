// Package api contains the public data model of the stepflow engine: workflow
// and step configuration, the step handler contract, run and failure job
// records, sentinel errors and the Observer hooks.
//
// Most users interact with the higher-level stepflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for handler authors and for code that talks to the persistence layer
// directly.
//
// # Workflows
//
// A Workflow is a singly linked chain of StepConfig values. EntryStepID names
// the first step and each step's Next names its successor; an empty Next ends
// the chain. Steps reference their handler by Ref, a key into the engine's
// handler registry.
//
// # Handlers
//
// A StepHandler receives the run's ExecutionContext and the step's params and
// returns a StepResult. Returning an error and returning a result with
// OK == false are equivalent: both count as a failed attempt and are retried
// according to the step's RetryPolicy.
//
// # Records
//
// Every run produces a RunRecord (RUNNING, then SUCCESS or FAILED) carrying
// the run log. A step that exhausts its retries produces a FailureJob which
// can later be resumed from that step onwards.
//
// # Observability
//
// Observer receives run, step and failure job lifecycle callbacks.
// LoggingObserver writes them through log/slog and BasicMetrics keeps simple
// counters; NewCompositeObserver fans out to several observers.
package api
