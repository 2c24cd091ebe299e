package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestRunWorkflow_AllStepsSucceedMergesLeftToRight(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a", succeedWith(map[string]any{"x": 1, "y": "a"}))
	env.register(t, "b", succeedWith(map[string]any{"y": "b", "z": true}))

	wf := chain("wf-merge",
		api.StepConfig{ID: "s1", Ref: "a"},
		api.StepConfig{ID: "s2", Ref: "b"},
	)

	out := env.run(t, wf, map[string]any{"x": 0, "keep": "me"})
	if !out.OK {
		t.Fatalf("expected ok outcome, got error %q", out.Error)
	}

	want := map[string]any{"x": 1, "y": "b", "z": true, "keep": "me"}
	if len(out.Data) != len(want) {
		t.Fatalf("unexpected data %v", out.Data)
	}
	for k, v := range want {
		if out.Data[k] != v {
			t.Fatalf("data[%q] = %v, want %v", k, out.Data[k], v)
		}
	}

	rec := env.runRecord(t, wf.ID, out.RunID)
	if rec.Status != api.RunSuccess {
		t.Fatalf("expected SUCCESS record, got %q", rec.Status)
	}
	if rec.UserID != "user-1" {
		t.Fatalf("unexpected user %q", rec.UserID)
	}
	if len(env.jobs(t, wf.ID)) != 0 {
		t.Fatalf("expected no failure jobs on success")
	}
}

func TestRunWorkflow_InitialDataIsNotMutated(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a", succeedWith(map[string]any{"x": 2}))

	initial := map[string]any{"x": 1}
	env.run(t, chain("wf", api.StepConfig{ID: "s1", Ref: "a"}), initial)

	if initial["x"] != 1 {
		t.Fatalf("initial data was mutated: %v", initial)
	}
}

func TestRunWorkflow_RetriesWithFixedBackoff(t *testing.T) {
	env := newTestEnv(t)

	var calls atomic.Int32
	env.register(t, "flaky", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		if calls.Add(1) < 3 {
			return api.Failed("not yet"), nil
		}
		return api.Succeeded(map[string]any{"done": true}), nil
	})

	wf := chain("wf-retry", api.StepConfig{
		ID:    "s1",
		Ref:   "flaky",
		Retry: &api.RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond},
	})

	out := env.run(t, wf, nil)
	if !out.OK {
		t.Fatalf("expected success after retries, got %q", out.Error)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	sleeps := env.sleeps.recorded()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 backoff delays, got %d", len(sleeps))
	}
	for _, d := range sleeps {
		if d != 50*time.Millisecond {
			t.Fatalf("expected fixed 50ms backoff, got %v", d)
		}
	}
	if len(env.jobs(t, wf.ID)) != 0 {
		t.Fatalf("success path must not create a failure job")
	}

	rec := env.runRecord(t, wf.ID, out.RunID)
	var infos, errs int
	for _, l := range rec.Logs {
		switch l.Level {
		case api.LevelInfo:
			infos++
		case api.LevelError:
			errs++
		}
	}
	if infos != 3 || errs != 2 {
		t.Fatalf("expected 3 INFO and 2 ERROR entries, got %d and %d", infos, errs)
	}
	if rec.Logs[0].Message != "Running flaky (attempt 1)" {
		t.Fatalf("unexpected first log entry %q", rec.Logs[0].Message)
	}
	if rec.Logs[1].Message != "Error: not yet" {
		t.Fatalf("unexpected error log entry %q", rec.Logs[1].Message)
	}
}

func TestRunWorkflow_NoBackoffWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bad", alwaysFail("boom", nil))

	wf := chain("wf", api.StepConfig{
		ID:    "s1",
		Ref:   "bad",
		Retry: &api.RetryPolicy{MaxAttempts: 1, Backoff: time.Second},
	})
	env.run(t, wf, nil)

	if n := len(env.sleeps.recorded()); n != 0 {
		t.Fatalf("expected no backoff after the last attempt, got %d", n)
	}
}

func TestRunWorkflow_StopOnFailureCreatesJobAndFails(t *testing.T) {
	env := newTestEnv(t)

	var calls atomic.Int32
	env.register(t, "bad", alwaysFail("boom", &calls))
	env.register(t, "after", succeedWith(map[string]any{"after": true}))

	wf := chain("wf-stop",
		api.StepConfig{ID: "s1", Ref: "bad", Retry: &api.RetryPolicy{MaxAttempts: 2}},
		api.StepConfig{ID: "s2", Ref: "after"},
	)

	out := env.run(t, wf, nil)
	if out.OK {
		t.Fatalf("expected failed outcome")
	}
	if out.Error != "boom" {
		t.Fatalf("expected error %q, got %q", "boom", out.Error)
	}
	if !errors.Is(out.Err, api.ErrStepExecution) {
		t.Fatalf("expected ErrStepExecution, got %v", out.Err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}

	jobs := env.jobs(t, wf.ID)
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one failure job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Attempt != 2 || job.Status != api.JobFailed || job.Error != "boom" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Step.ID != "s1" || job.RunID != out.RunID || job.UserID != "user-1" {
		t.Fatalf("job does not point at the failed step: %+v", job)
	}
	if got := env.queue.enqueued(); len(got) != 1 || got[0] != job.ID {
		t.Fatalf("expected job %s to be enqueued, got %v", job.ID, got)
	}

	rec := env.runRecord(t, wf.ID, out.RunID)
	if rec.Status != api.RunFailed || rec.Error != "boom" {
		t.Fatalf("unexpected record %+v", rec)
	}
	last := rec.Logs[len(rec.Logs)-1]
	if last.Level != api.LevelError || last.Message != "boom" {
		t.Fatalf("expected final ERROR entry with the failure, got %+v", last)
	}
}

func TestRunWorkflow_ContinueOnFailureSkipsStep(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "bad", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		return api.StepResult{OK: false, Data: map[string]any{"leak": true}, Error: "nope"}, nil
	})
	env.register(t, "good", succeedWith(map[string]any{"good": true}))

	wf := chain("wf-continue",
		api.StepConfig{ID: "s1", Ref: "bad", Retry: &api.RetryPolicy{MaxAttempts: 2}, StopOnFailure: boolPtr(false)},
		api.StepConfig{ID: "s2", Ref: "good"},
	)

	out := env.run(t, wf, map[string]any{"in": 1})
	if !out.OK {
		t.Fatalf("expected ok outcome, got %q", out.Error)
	}
	if _, leaked := out.Data["leak"]; leaked {
		t.Fatalf("failed step data must not be merged: %v", out.Data)
	}
	if out.Data["good"] != true || out.Data["in"] != 1 {
		t.Fatalf("unexpected data %v", out.Data)
	}

	jobs := env.jobs(t, wf.ID)
	if len(jobs) != 1 || jobs[0].Attempt != 2 {
		t.Fatalf("expected one failure job with attempt 2, got %+v", jobs)
	}
	if env.runRecord(t, wf.ID, out.RunID).Status != api.RunSuccess {
		t.Fatalf("expected SUCCESS record")
	}
}

func TestRunWorkflow_MissingEntryStep(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a", succeedWith(nil))

	wf := chain("wf-missing", api.StepConfig{ID: "s1", Ref: "a"})
	wf.EntryStepID = "nope"

	out := env.run(t, wf, nil)
	if out.OK {
		t.Fatalf("expected failure")
	}
	if !errors.Is(out.Err, api.ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", out.Err)
	}

	rec := env.runRecord(t, wf.ID, out.RunID)
	if rec.Status != api.RunFailed {
		t.Fatalf("expected FAILED record, got %q", rec.Status)
	}
	for _, l := range rec.Logs {
		if l.StepID != "" {
			t.Fatalf("expected no step-level log entries, got %+v", l)
		}
	}
}

func TestRunWorkflow_DanglingNextFailsAfterEarlierSteps(t *testing.T) {
	env := newTestEnv(t)

	var ran atomic.Int32
	env.register(t, "a", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		ran.Add(1)
		return api.Succeeded(nil), nil
	})

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "a", Next: "ghost"})
	out := env.run(t, wf, nil)

	if ran.Load() != 1 {
		t.Fatalf("expected s1 to run before the dangling pointer")
	}
	if !errors.Is(out.Err, api.ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", out.Err)
	}
}

func TestRunWorkflow_HandlerNotFoundIsNotRetried(t *testing.T) {
	env := newTestEnv(t)

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "missing", Retry: &api.RetryPolicy{MaxAttempts: 3, Backoff: time.Second}})
	out := env.run(t, wf, nil)

	if !errors.Is(out.Err, api.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", out.Err)
	}
	if len(env.sleeps.recorded()) != 0 {
		t.Fatalf("configuration errors must not be retried")
	}
	if len(env.jobs(t, wf.ID)) != 0 {
		t.Fatalf("configuration errors must not create failure jobs")
	}
}

func TestRunWorkflow_CycleIsRejectedBeforeExecution(t *testing.T) {
	env := newTestEnv(t)

	var ran atomic.Int32
	env.register(t, "a", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		ran.Add(1)
		return api.Succeeded(nil), nil
	})

	wf := chain("wf-cycle",
		api.StepConfig{ID: "s1", Ref: "a"},
		api.StepConfig{ID: "s2", Ref: "a", Next: "s1"},
	)
	out := env.run(t, wf, nil)

	if !errors.Is(out.Err, api.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", out.Err)
	}
	if ran.Load() != 0 {
		t.Fatalf("no step may run in a cyclic workflow, ran %d", ran.Load())
	}
}

func TestRunWorkflow_MaxStepsGuard(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxSteps = 2 })
	env.register(t, "a", succeedWith(nil))

	wf := chain("wf-long",
		api.StepConfig{ID: "s1", Ref: "a"},
		api.StepConfig{ID: "s2", Ref: "a"},
		api.StepConfig{ID: "s3", Ref: "a"},
	)
	out := env.run(t, wf, nil)

	if !errors.Is(out.Err, api.ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", out.Err)
	}
}

func TestRunWorkflow_PanicIsAFault(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "panics", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		panic("kaboom")
	})

	out := env.run(t, chain("wf", api.StepConfig{ID: "s1", Ref: "panics"}), nil)
	if out.OK {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(out.Error, "kaboom") {
		t.Fatalf("expected panic value in error, got %q", out.Error)
	}
	if len(env.jobs(t, "wf")) != 1 {
		t.Fatalf("expected a failure job for the panicking step")
	}
}

func TestRunWorkflow_StepTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "slow", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		<-ctx.Done()
		return api.StepResult{}, ctx.Err()
	})

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "slow", Timeout: 20 * time.Millisecond})
	out := env.run(t, wf, nil)

	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", out.Err)
	}
	if !strings.Contains(out.Error, "timed out") {
		t.Fatalf("unexpected error %q", out.Error)
	}
}

func TestRunWorkflow_DefaultStepTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DefaultStepTimeout = 20 * time.Millisecond })
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	env.register(t, "hang", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		<-release
		return api.Succeeded(nil), nil
	})

	out := env.run(t, chain("wf", api.StepConfig{ID: "s1", Ref: "hang"}), nil)
	if out.OK || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected a hanging handler to time out, got %+v", out)
	}
}

func TestRunWorkflow_UndeclaredOutputIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a", succeedWith(map[string]any{"allowed": 1, "sneaky": 2}))

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "a", Outputs: []string{"allowed"}})
	out := env.run(t, wf, nil)

	if !errors.Is(out.Err, api.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", out.Err)
	}
}

func TestRunWorkflow_DataSchemaTypeMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a", succeedWith(map[string]any{"count": "three"}))
	env.register(t, "b", succeedWith(map[string]any{"other": 1}))

	wf := chain("wf",
		api.StepConfig{ID: "s1", Ref: "a", StopOnFailure: boolPtr(false)},
		api.StepConfig{ID: "s2", Ref: "b"},
	)
	wf.DataSchema = api.DataSchema{"count": api.TypeNumber}

	out := env.run(t, wf, nil)
	if !out.OK {
		t.Fatalf("expected run to continue past the invalid step, got %q", out.Error)
	}
	if _, ok := out.Data["count"]; ok {
		t.Fatalf("invalid output must not be merged: %v", out.Data)
	}

	jobs := env.jobs(t, wf.ID)
	if len(jobs) != 1 || !strings.Contains(jobs[0].Error, "count") {
		t.Fatalf("expected a schema failure job, got %+v", jobs)
	}
}

func TestRunWorkflow_HandlerLogsAreKept(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "logs", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		ec.Log(api.LevelInfo, "s1", "hello from handler", nil)
		return api.Succeeded(nil), nil
	})

	out := env.run(t, chain("wf", api.StepConfig{ID: "s1", Ref: "logs"}), nil)
	rec := env.runRecord(t, "wf", out.RunID)

	if len(rec.Logs) != 2 || rec.Logs[1].Message != "hello from handler" {
		t.Fatalf("unexpected logs %+v", rec.Logs)
	}
}

func TestRunWorkflow_ParamsReachHandler(t *testing.T) {
	env := newTestEnv(t)

	var got map[string]any
	env.register(t, "p", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		got = params
		params["mutated"] = true
		return api.Succeeded(nil), nil
	})

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "p", Params: map[string]any{"ms": 5}})
	env.run(t, wf, nil)

	if got["ms"] != 5 {
		t.Fatalf("params not passed: %v", got)
	}
	if _, ok := wf.Steps[0].Params["mutated"]; ok {
		t.Fatalf("handler mutated the step definition")
	}
}

func TestRunWorkflow_EnqueueFailureIsObservable(t *testing.T) {
	metrics := &api.BasicMetrics{}
	env := newTestEnv(t, func(c *Config) { c.Observer = metrics })
	env.queue.fail = errors.New("queue down")
	env.register(t, "bad", alwaysFail("boom", nil))

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "bad", StopOnFailure: boolPtr(false)})
	out := env.run(t, wf, nil)

	if !out.OK {
		t.Fatalf("enqueue failure must not affect the run, got %q", out.Error)
	}
	if len(env.jobs(t, wf.ID)) != 1 {
		t.Fatalf("failure job must be persisted even if enqueue fails")
	}

	snap := metrics.Snapshot()
	if snap.EnqueueFailures != 1 || snap.JobsCreated != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}

	rec := env.runRecord(t, wf.ID, out.RunID)
	var warned bool
	for _, l := range rec.Logs {
		if l.Level == api.LevelWarn && strings.Contains(l.Message, "queue down") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a WARN entry for the enqueue failure, got %+v", rec.Logs)
	}
}

func TestRunWorkflow_CancelDuringBackoffKeepsStepResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newTestEnv(t, func(c *Config) {
		c.Sleep = func(sctx context.Context, d time.Duration) error {
			cancel()
			return sctx.Err()
		}
	})
	env.register(t, "bad", alwaysFail("boom", nil))

	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "bad", Retry: &api.RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}})
	out, err := env.engine.RunWorkflow(ctx, wf, "user-1", nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.Err)
	}

	// The terminal write happens despite the cancelled context.
	if env.runRecord(t, wf.ID, out.RunID).Status != api.RunFailed {
		t.Fatalf("expected FAILED record")
	}
	jobs := env.jobs(t, wf.ID)
	if len(jobs) != 1 {
		t.Fatalf("expected one failure job for the interrupted step, got %d", len(jobs))
	}
	if jobs[0].Step.ID != "s1" || jobs[0].Attempt != 1 || jobs[0].Status != api.JobFailed {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
	if got := env.queue.enqueued(); len(got) != 1 || got[0] != jobs[0].ID {
		t.Fatalf("expected job %s to be enqueued, got %v", jobs[0].ID, got)
	}
}

func TestRunWorkflow_CancelIgnoresContinueOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newTestEnv(t)
	var nextCalls atomic.Int32
	env.register(t, "bad", func(hctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		cancel()
		return api.Failed("boom"), nil
	})
	env.register(t, "next", func(hctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		nextCalls.Add(1)
		return api.Succeeded(nil), nil
	})

	wf := chain("wf",
		api.StepConfig{ID: "s1", Ref: "bad", StopOnFailure: boolPtr(false)},
		api.StepConfig{ID: "s2", Ref: "next"},
	)
	out, err := env.engine.RunWorkflow(ctx, wf, "user-1", nil)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	if out.OK || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected a cancelled run, got %+v", out)
	}
	if nextCalls.Load() != 0 {
		t.Fatalf("no step may start after cancellation")
	}
	if len(env.jobs(t, wf.ID)) != 1 {
		t.Fatalf("expected one failure job")
	}
}

type failingRunStore struct {
	persistence.RunStore
}

func (failingRunStore) CreateRun(ctx context.Context, rec *api.RunRecord) error {
	return errors.New("disk full")
}

func TestRunWorkflow_CreateRunFailureIsReturned(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Persistence.Runs = failingRunStore{c.Persistence.Runs}
	})

	var ran atomic.Int32
	env.register(t, "a", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		ran.Add(1)
		return api.Succeeded(nil), nil
	})

	out, err := env.engine.RunWorkflow(context.Background(), chain("wf", api.StepConfig{ID: "s1", Ref: "a"}), "u", nil)
	if err == nil || out.OK {
		t.Fatalf("expected infrastructure error, got %+v / %v", out, err)
	}
	if ran.Load() != 0 {
		t.Fatalf("no step may run without a RUNNING record")
	}
}

func TestRunWorkflow_ConcurrentRunsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "echo", func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		return api.Succeeded(map[string]any{"seen": ec.Data["n"]}), nil
	})
	wf := chain("wf", api.StepConfig{ID: "s1", Ref: "echo"})

	const n = 20
	results := make(chan api.RunOutcome, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			out, _ := env.engine.RunWorkflow(context.Background(), wf, "u", map[string]any{"n": i})
			results <- out
		}(i)
	}

	runIDs := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		out := <-results
		if !out.OK || out.Data["seen"] != out.Data["n"] {
			t.Fatalf("runs leaked state: %+v", out)
		}
		runIDs[out.RunID] = struct{}{}
	}
	if len(runIDs) != n {
		t.Fatalf("expected %d distinct run ids, got %d", n, len(runIDs))
	}
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(Config{}); err == nil {
		t.Fatalf("expected error without a registry")
	}
	if _, err := NewEngine(Config{Registry: NewRegistry()}); err == nil {
		t.Fatalf("expected error without stores")
	}
}
