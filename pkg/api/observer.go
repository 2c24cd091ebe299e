package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnRunStart is called once the RUNNING record is persisted, before the
	// first step is executed.
	OnRunStart(ctx context.Context, ec *ExecutionContext)

	// OnRunCompleted is called when a run reaches SUCCESS.
	OnRunCompleted(ctx context.Context, ec *ExecutionContext)

	// OnRunFailed is called when a run reaches FAILED.
	OnRunFailed(ctx context.Context, ec *ExecutionContext, err error)

	// OnStepStart is called before each handler attempt. attempt starts at 1.
	OnStepStart(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int)

	// OnStepCompleted is called after each handler attempt, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int, err error, duration time.Duration)

	// OnJobCreated is called after a FailureJob has been persisted.
	OnJobCreated(ctx context.Context, job *FailureJob)

	// OnEnqueueFailed is called when handing a job to the retry queue fails.
	// The run is not affected.
	OnEnqueueFailed(ctx context.Context, job *FailureJob, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, ec *ExecutionContext) {}

func (NoopObserver) OnRunCompleted(ctx context.Context, ec *ExecutionContext) {}

func (NoopObserver) OnRunFailed(ctx context.Context, ec *ExecutionContext, err error) {}

func (NoopObserver) OnStepStart(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int) {
}

func (NoopObserver) OnStepCompleted(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int, err error, d time.Duration) {
}

func (NoopObserver) OnJobCreated(ctx context.Context, job *FailureJob) {}

func (NoopObserver) OnEnqueueFailed(ctx context.Context, job *FailureJob, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, ec *ExecutionContext) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, ec)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, ec *ExecutionContext) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, ec)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, ec *ExecutionContext, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, ec, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, ec, step, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, ec, step, attempt, err, d)
	}
}

func (c *CompositeObserver) OnJobCreated(ctx context.Context, job *FailureJob) {
	for _, o := range c.observers {
		o.OnJobCreated(ctx, job)
	}
}

func (c *CompositeObserver) OnEnqueueFailed(ctx context.Context, job *FailureJob, err error) {
	for _, o := range c.observers {
		o.OnEnqueueFailed(ctx, job, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, ec *ExecutionContext) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
		slog.String("user_id", ec.UserID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, ec *ExecutionContext) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, ec *ExecutionContext, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
		slog.String("step", step.ID),
		slog.String("ref", step.Ref),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
		slog.String("step", step.ID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobCreated(ctx context.Context, job *FailureJob) {
	o.Logger.WarnContext(ctx, "failure_job_created",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.String("run_id", job.RunID),
		slog.String("step", job.Step.ID),
		slog.Int("attempt", job.Attempt),
	)
}

func (o *LoggingObserver) OnEnqueueFailed(ctx context.Context, job *FailureJob, err error) {
	o.Logger.WarnContext(ctx, "failure_job_enqueue_failed",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.String("run_id", job.RunID),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	stepAttempts      atomic.Int64
	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
	jobsCreated       atomic.Int64
	enqueueFailures   atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsInFlight  int64

	StepAttempts    int64
	StepsCompleted  int64
	AvgStepDuration time.Duration

	JobsCreated     int64
	EnqueueFailures int64
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, ec *ExecutionContext) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, ec *ExecutionContext) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, ec *ExecutionContext, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepStart(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int) {
	m.stepAttempts.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, ec *ExecutionContext, step StepConfig, attempt int, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnJobCreated(ctx context.Context, job *FailureJob) {
	m.jobsCreated.Add(1)
}

func (m *BasicMetrics) OnEnqueueFailed(ctx context.Context, job *FailureJob, err error) {
	m.enqueueFailures.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsInFlight:    started - completed - failed,
		StepAttempts:    m.stepAttempts.Load(),
		StepsCompleted:  steps,
		AvgStepDuration: avg,
		JobsCreated:     m.jobsCreated.Load(),
		EnqueueFailures: m.enqueueFailures.Load(),
	}
}
