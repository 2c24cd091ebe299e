package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// testEnv is an engine over an in-memory store with a recording queue and a
// sleep function that only counts.
type testEnv struct {
	reg    *Registry
	store  *persistence.InMemoryStore
	queue  *recordingQueue
	sleeps *sleepRecorder
	engine *Engine
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		reg:    NewRegistry(),
		store:  persistence.NewInMemoryStore(),
		queue:  &recordingQueue{},
		sleeps: &sleepRecorder{},
	}
	cfg := Config{
		Registry:    env.reg,
		Persistence: persistence.NewPersistence(env.store),
		Queue:       env.queue,
		Sleep:       env.sleeps.sleep,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	env.engine = eng
	return env
}

func (env *testEnv) register(t *testing.T, ref string, fn api.HandlerFunc) {
	t.Helper()
	if err := env.reg.Register(ref, fn); err != nil {
		t.Fatalf("Register(%q) failed: %v", ref, err)
	}
}

func (env *testEnv) run(t *testing.T, wf api.Workflow, initial map[string]any) api.RunOutcome {
	t.Helper()
	out, err := env.engine.RunWorkflow(context.Background(), wf, "user-1", initial)
	if err != nil {
		t.Fatalf("RunWorkflow failed: %v", err)
	}
	return out
}

func (env *testEnv) runRecord(t *testing.T, wfID, runID string) *api.RunRecord {
	t.Helper()
	rec, err := env.store.GetRun(context.Background(), wfID, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return rec
}

func (env *testEnv) jobs(t *testing.T, wfID string) []*api.FailureJob {
	t.Helper()
	jobs, err := env.store.ListJobs(context.Background(), persistence.JobFilter{WorkflowID: wfID})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	return jobs
}

type recordingQueue struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (q *recordingQueue) EnqueueJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.calls...)
}

// chain builds a workflow whose steps run in the given order.
func chain(id string, steps ...api.StepConfig) api.Workflow {
	for i := range steps {
		if steps[i].Kind == "" {
			steps[i].Kind = api.StepKindAction
		}
		if i+1 < len(steps) && steps[i].Next == "" {
			steps[i].Next = steps[i+1].ID
		}
	}
	wf := api.Workflow{ID: id, Name: id, Owner: "user-1", Steps: steps}
	if len(steps) > 0 {
		wf.EntryStepID = steps[0].ID
	}
	return wf
}

func succeedWith(data map[string]any) api.HandlerFunc {
	return func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		return api.Succeeded(data), nil
	}
}

func alwaysFail(msg string, calls *atomic.Int32) api.HandlerFunc {
	return func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		return api.StepResult{}, errors.New(msg)
	}
}

func boolPtr(b bool) *bool { return &b }
