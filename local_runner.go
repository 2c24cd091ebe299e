package stepflow

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner bundles an in-memory Bundle with a background worker loop
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner()
//	wf := stepflow.New("my-flow").Step("log", "utils.log").MustBuild()
//
//	// Synchronous run:
//	out, err := runner.Run(ctx, wf, "user-1", nil)
//
//	// Failed steps are resumed in the background:
//	_ = runner.StartWorkers(ctx, 2)
//	...
//	runner.Stop()
type LocalRunner struct {
	*Bundle

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner with the builtin handlers, no
// retry delay and default options otherwise.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	r, err := NewLocalRunnerWithOptions(BundleOptions{})
	if err != nil {
		// The in-memory bundle only fails on duplicate builtin refs.
		panic(err)
	}
	return r
}

// NewLocalRunnerWithOptions is NewLocalRunner with explicit options.
func NewLocalRunnerWithOptions(opts BundleOptions) (*LocalRunner, error) {
	b, err := NewInMemoryBundle(opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Bundle: b}, nil
}

// Save stores wf after checking it against the runner's registry.
func (r *LocalRunner) Save(ctx context.Context, wf Workflow) error {
	if err := ValidateWorkflow(wf, r.Registry); err != nil {
		return err
	}
	return r.Persistence.Workflows.SaveWorkflow(ctx, wf)
}

// Run executes wf synchronously.
func (r *LocalRunner) Run(ctx context.Context, wf Workflow, userID string, data map[string]any) (RunOutcome, error) {
	return r.Engine.RunWorkflow(ctx, wf, userID, data)
}

// StartWorkers starts 'concurrency' consumers that resume failure jobs
// until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.running = true

	go func() {
		defer close(done)
		if err := r.Worker.Run(ctx, concurrency); err != nil {
			r.Worker.Logger.Error("local runner worker stopped", "error", err)
		}
	}()
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// RetryAsync enqueues a task to resume jobID on a worker.
func (r *LocalRunner) RetryAsync(ctx context.Context, jobID string) error {
	return r.Worker.EnqueueRetry(ctx, jobID)
}
