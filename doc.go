// Package stepflow provides an embeddable workflow automation engine for Go.
//
// A workflow is a chain of steps. Each step names a handler by its registry
// ref, carries parameters, and points at its successor. Runs are started by
// API calls, webhooks or cron schedules; a step that keeps failing is
// recorded as a FailureJob and resumed later by a background worker.
//
// # Core Concepts
//
// The stepflow programming model is intentionally small:
//
//  1. Registry
//  2. Engine
//  3. Resumer and Worker
//  4. FlowBuilder
//  5. Bundle and LocalRunner
//
// # Registry
//
// The Registry maps refs such as "utils.log" or "http.request" to
// StepHandlers. Refs are bound once at startup; binding the same ref twice
// is an error. The plugins/builtin package provides the stock handlers.
//
// # Engine
//
// The Engine interprets a workflow. For every step it looks up the handler,
// runs it under the step's retry policy and merges the returned data into
// the run data (last writer wins). When retries are exhausted it persists a
// FailureJob, publishes it on the retry queue, and then either stops the
// run or skips to the next step, depending on StopOnFailure.
//
// Every run is recorded as a RunRecord with its log. The record is created
// before the first step and finished exactly once.
//
// Engines hold no per-run state and are safe for concurrent use. Stores can
// be backed by:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend includes a matching retry queue implementation.
//
// # Resumer and Worker
//
// A Resumer claims a FailureJob under a lease, re-runs the failed step and
// everything after it as a new run, and records the result on the job. The
// claim is exclusive: a job is never resumed twice at the same time. A
// Worker consumes the retry queue and calls the Resumer; operators can also
// call it directly.
//
// # FlowBuilder
//
// FlowBuilder is a fluent API for defining workflows in Go:
//
//	wf := stepflow.New("welcome").
//	    Trigger("hook", "http.webhook").
//	    StepWithRetry("post", "http.request", stepflow.Retry(3).WithBackoff(time.Second).Policy(),
//	        stepflow.Params(map[string]any{"method": "POST", "url": "https://example.com/hooks"})).
//	    Step("log", "utils.log", stepflow.Params(map[string]any{"message": "done"})).
//	    MustBuild()
//
// Workflows can also be stored as JSON through the HTTP API or loaded from
// YAML files with the stepflow CLI.
//
// # Bundle and LocalRunner
//
// A Bundle wires a registry, stores, engine, resumer, queue and worker on a
// single backend. LocalRunner is an in-memory Bundle with a managed worker
// loop, useful for development and unit tests. It is not crash-durable.
package stepflow
