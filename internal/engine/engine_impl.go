package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Config describes how to construct an Engine.
type Config struct {
	Registry    *Registry
	Persistence persistence.Persistence

	// Queue receives the id of every FailureJob. Defaults to a no-op queue.
	Queue api.JobQueue

	Observer api.Observer
	Logger   *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time

	// Sleep waits between retry attempts. Defaults to a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// NewID generates run and job ids. Defaults to uuid.NewString.
	NewID func() string

	// MaxSteps bounds the number of steps a single run executes. 0 means no
	// limit.
	MaxSteps int

	// DefaultStepTimeout applies to steps that declare no Timeout. 0 means
	// handlers are not timed out.
	DefaultStepTimeout time.Duration
}

// Engine is the execution interpreter. It walks a workflow's step chain,
// dispatching each step to its registered handler. An Engine holds no
// per-run state and may serve concurrent runs.
type Engine struct {
	registry *Registry
	runs     persistence.RunStore
	jobs     persistence.JobStore
	queue    api.JobQueue
	observer api.Observer
	logger   *slog.Logger

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	maxSteps           int
	defaultStepTimeout time.Duration
}

// NewEngine creates an Engine from cfg. Registry, Persistence.Runs and
// Persistence.Jobs are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Persistence.Runs == nil || cfg.Persistence.Jobs == nil {
		return nil, errors.New("engine: run and job stores are required")
	}

	e := &Engine{
		registry:           cfg.Registry,
		runs:               cfg.Persistence.Runs,
		jobs:               cfg.Persistence.Jobs,
		queue:              cfg.Queue,
		observer:           cfg.Observer,
		logger:             cfg.Logger,
		clock:              cfg.Clock,
		sleep:              cfg.Sleep,
		newID:              cfg.NewID,
		maxSteps:           cfg.MaxSteps,
		defaultStepTimeout: cfg.DefaultStepTimeout,
	}
	if e.queue == nil {
		e.queue = api.NoopJobQueue{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Registry returns the handler registry the engine dispatches to.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// RunWorkflow executes wf once for userID, starting from a copy of
// initialData.
//
// Step-level failures are reported in the returned RunOutcome. The error is
// only non-nil when the RUNNING record could not be created, in which case
// no step has run.
func (e *Engine) RunWorkflow(ctx context.Context, wf api.Workflow, userID string, initialData map[string]any) (api.RunOutcome, error) {
	runID := e.newID()
	ec := api.NewExecutionContext(wf.ID, runID, userID, initialData, e.clock)

	now := e.clock()
	rec := &api.RunRecord{
		WorkflowID: wf.ID,
		RunID:      runID,
		UserID:     userID,
		Status:     api.RunRunning,
		Logs:       []api.LogEntry{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.CreateRun(ctx, rec); err != nil {
		err = fmt.Errorf("create run %s: %w", runID, err)
		return api.RunOutcome{RunID: runID, Error: err.Error(), Err: err}, err
	}

	e.observer.OnRunStart(ctx, ec)

	if err := e.execute(ctx, wf, ec); err != nil {
		return e.fail(ctx, ec, err), nil
	}
	return e.succeed(ctx, ec), nil
}

func (e *Engine) execute(ctx context.Context, wf api.Workflow, ec *api.ExecutionContext) error {
	if err := ValidateChain(wf); err != nil {
		return err
	}

	idx := wf.StepIndex()
	executed := 0

	for cursor := wf.EntryStepID; cursor != ""; {
		step, ok := idx[cursor]
		if !ok {
			return fmt.Errorf("%w: %q", api.ErrStepNotFound, cursor)
		}
		if e.maxSteps > 0 && executed >= e.maxSteps {
			return fmt.Errorf("%w: limit is %d", api.ErrMaxStepsExceeded, e.maxSteps)
		}
		executed++

		h, err := e.registry.Get(step.Ref)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}

		data, attempts, err := e.runStep(ctx, wf, ec, step, h)
		if err == nil {
			ec.Merge(data)
			cursor = step.Next
			continue
		}

		// An interrupted step keeps a failure job so it can be resumed, and
		// the run stops whatever StopOnFailure says.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("step %q interrupted after %d attempt(s): %w", step.ID, attempts, ctxErr)
			e.recordFailure(ctx, ec, step, attempts, err)
			return err
		}

		e.recordFailure(ctx, ec, step, attempts, err)
		if step.ShouldStopOnFailure() {
			return err
		}
		cursor = step.Next
	}
	return nil
}

// runStep runs the retry loop of one step. On success it returns the data
// to merge and the number of attempts used.
func (e *Engine) runStep(ctx context.Context, wf api.Workflow, ec *api.ExecutionContext, step api.StepConfig, h api.StepHandler) (map[string]any, int, error) {
	policy := step.RetryOrDefault()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		ec.Log(api.LevelInfo, step.ID, fmt.Sprintf("Running %s (attempt %d)", step.Ref, attempt), nil)
		e.observer.OnStepStart(ctx, ec, step, attempt)

		start := time.Now()
		data, err := e.invoke(ctx, wf, ec, step, h)
		e.observer.OnStepCompleted(ctx, ec, step, attempt, err, time.Since(start))

		if err == nil {
			return data, attempt, nil
		}

		lastErr = err
		ec.Log(api.LevelError, step.ID, "Error: "+err.Error(), map[string]any{"attempt": attempt})

		if attempt < policy.MaxAttempts && policy.Backoff > 0 {
			if err := e.sleep(ctx, policy.Backoff); err != nil {
				return nil, attempt, err
			}
		}
	}

	return nil, policy.MaxAttempts, &StepError{StepID: step.ID, Attempts: policy.MaxAttempts, Err: lastErr}
}

// invoke runs a single attempt. The handler gets its own view of the
// execution context; its log entries are kept unless the attempt timed out.
func (e *Engine) invoke(ctx context.Context, wf api.Workflow, ec *api.ExecutionContext, step api.StepConfig, h api.StepHandler) (map[string]any, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultStepTimeout
	}

	view := &api.ExecutionContext{
		WorkflowID: ec.WorkflowID,
		RunID:      ec.RunID,
		UserID:     ec.UserID,
		Data:       api.CopyData(ec.Data),
		Clock:      ec.Clock,
	}
	params := api.CopyData(step.Params)

	var (
		res api.StepResult
		err error
	)
	if timeout > 0 {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			res api.StepResult
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			r, err := callHandler(stepCtx, h, view, params)
			done <- outcome{r, err}
		}()

		select {
		case o := <-done:
			res, err = o.res, o.err
			if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("step %q timed out after %s: %w", step.ID, timeout, stepCtx.Err())
			}
		case <-stepCtx.Done():
			// The handler goroutine is abandoned along with its view.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("step %q timed out after %s: %w", step.ID, timeout, stepCtx.Err())
		}
	} else {
		res, err = callHandler(ctx, h, view, params)
	}

	ec.Logs = append(ec.Logs, view.Logs...)

	if err != nil {
		return nil, err
	}
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "step reported failure"
		}
		return nil, errors.New(msg)
	}
	if err := api.ValidateOutput(step, wf.DataSchema, res.Data); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// callHandler runs h, turning a panic into an error.
func callHandler(ctx context.Context, h api.StepHandler, ec *api.ExecutionContext, params map[string]any) (res api.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(ctx, ec, params)
}

// recordFailure persists a FailureJob for a step that exhausted its retries
// and hands it to the retry queue. Neither failure affects the run.
func (e *Engine) recordFailure(ctx context.Context, ec *api.ExecutionContext, step api.StepConfig, attempts int, cause error) {
	pctx := context.WithoutCancel(ctx)
	now := e.clock()

	job := &api.FailureJob{
		ID:         e.newID(),
		WorkflowID: ec.WorkflowID,
		RunID:      ec.RunID,
		UserID:     ec.UserID,
		Step:       step,
		Attempt:    attempts,
		Status:     api.JobFailed,
		Error:      cause.Error(),
		Data:       api.CopyData(ec.Data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.jobs.CreateJob(pctx, job); err != nil {
		ec.Log(api.LevelError, step.ID, "Failure job not saved: "+err.Error(), nil)
		e.logger.ErrorContext(ctx, "failure job not saved",
			slog.String("workflow_id", ec.WorkflowID),
			slog.String("run_id", ec.RunID),
			slog.String("step", step.ID),
			slog.Any("error", err),
		)
		return
	}
	e.observer.OnJobCreated(ctx, job)

	if err := e.queue.EnqueueJob(pctx, job.ID); err != nil {
		ec.Log(api.LevelWarn, step.ID, "Enqueue failed: "+err.Error(), map[string]any{"jobId": job.ID})
		e.logger.WarnContext(ctx, "failure job not enqueued",
			slog.String("job_id", job.ID),
			slog.String("workflow_id", ec.WorkflowID),
			slog.String("run_id", ec.RunID),
			slog.Any("error", err),
		)
		e.observer.OnEnqueueFailed(ctx, job, err)
	}
}

func (e *Engine) succeed(ctx context.Context, ec *api.ExecutionContext) api.RunOutcome {
	if err := e.runs.FinishRun(context.WithoutCancel(ctx), ec.WorkflowID, ec.RunID, api.RunSuccess, ec.LogSnapshot(), ""); err != nil {
		e.logFinishError(ctx, ec, err)
	}
	e.observer.OnRunCompleted(ctx, ec)
	return api.RunOutcome{OK: true, RunID: ec.RunID, Data: api.CopyData(ec.Data)}
}

func (e *Engine) fail(ctx context.Context, ec *api.ExecutionContext, cause error) api.RunOutcome {
	msg := cause.Error()
	ec.Log(api.LevelError, "", msg, nil)

	if err := e.runs.FinishRun(context.WithoutCancel(ctx), ec.WorkflowID, ec.RunID, api.RunFailed, ec.LogSnapshot(), msg); err != nil {
		e.logFinishError(ctx, ec, err)
	}
	e.observer.OnRunFailed(ctx, ec, cause)
	return api.RunOutcome{OK: false, RunID: ec.RunID, Error: msg, Err: cause}
}

func (e *Engine) logFinishError(ctx context.Context, ec *api.ExecutionContext, err error) {
	e.logger.ErrorContext(ctx, "run record not finalized",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
		slog.Any("error", err),
	)
}

// StepError is returned when a step exhausts its attempts. Its message is
// the last attempt's fault; it matches api.ErrStepExecution.
type StepError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() []error {
	return []error{api.ErrStepExecution, e.Err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
