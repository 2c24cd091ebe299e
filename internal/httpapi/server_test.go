package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/plugins/builtin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type countingReloader struct {
	calls atomic.Int32
}

func (r *countingReloader) Reload(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

type testServer struct {
	store    *persistence.InMemoryStore
	handler  http.Handler
	reloader *countingReloader
	healthy  atomic.Bool
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testServer {
	t.Helper()

	ts := &testServer{
		store:    persistence.NewInMemoryStore(),
		reloader: &countingReloader{},
	}

	reg := engine.NewRegistry()
	require.NoError(t, builtin.Register(reg))
	require.NoError(t, reg.Register("test.flaky", api.HandlerFunc(
		func(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
			if ts.healthy.Load() {
				return api.Succeeded(map[string]any{"fixed": true}), nil
			}
			return api.Failed("downstream unavailable"), nil
		})))

	p := persistence.NewPersistence(ts.store)
	eng, err := engine.NewEngine(engine.Config{Registry: reg, Persistence: p})
	require.NoError(t, err)

	opts := Options{RetryOwner: "test-operator"}
	for _, m := range mutate {
		m(&opts)
	}
	ts.handler = New(p, reg, eng, engine.NewResumer(eng, p), ts.reloader, opts).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doContext(t, context.Background(), method, path, user, body)
}

func (ts *testServer) doContext(t *testing.T, ctx context.Context, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequestWithContext(ctx, method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func mergeWorkflow() map[string]any {
	return map[string]any{
		"name":        "merge",
		"entryStepId": "s1",
		"steps": []map[string]any{
			{"id": "s1", "kind": "TRIGGER", "ref": "http.webhook", "next": "s2"},
			{"id": "s2", "kind": "ACTION", "ref": "data.merge", "params": map[string]any{
				"items": map[string]any{"greeting": "hello"},
			}},
		},
	}
}

func (ts *testServer) create(t *testing.T, user string, body any) workflowBody {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/workflows", user, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[workflowBody](t, w)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestWorkflows_RequireUser(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkflowCRUD(t *testing.T) {
	ts := newTestServer(t)

	created := ts.create(t, "alice", mergeWorkflow())
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.Owner)
	assert.NotNil(t, created.CreatedAt)
	assert.Equal(t, int32(1), ts.reloader.calls.Load())

	w := ts.do(t, http.MethodGet, "/api/workflows/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "merge", decode[workflowBody](t, w).Name)

	// Other users do not see it.
	w = ts.do(t, http.MethodGet, "/api/workflows/"+created.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/workflows", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]workflowBody](t, w))

	update := mergeWorkflow()
	update["name"] = "renamed"
	update["scheduleCron"] = "*/5 * * * *"
	w = ts.do(t, http.MethodPut, "/api/workflows/"+created.ID, "alice", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[workflowBody](t, w)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "*/5 * * * *", got.ScheduleCron)
	assert.Equal(t, int32(2), ts.reloader.calls.Load())

	w = ts.do(t, http.MethodGet, "/api/workflows", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]workflowBody](t, w), 1)

	w = ts.do(t, http.MethodDelete, "/api/workflows/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/workflows/"+created.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkflow_RetryAndTimeoutInMilliseconds(t *testing.T) {
	ts := newTestServer(t)

	body := mergeWorkflow()
	steps := body["steps"].([]map[string]any)
	steps[1]["retry"] = map[string]any{"maxAttempts": 3, "backoffMs": 250}
	steps[1]["timeoutMs"] = 1500
	created := ts.create(t, "alice", body)

	wf, err := ts.store.GetWorkflow(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, wf.Steps[1].Retry)
	assert.Equal(t, 3, wf.Steps[1].Retry.MaxAttempts)
	assert.Equal(t, int64(250), wf.Steps[1].Retry.Backoff.Milliseconds())
	assert.Equal(t, int64(1500), wf.Steps[1].Timeout.Milliseconds())

	require.NotNil(t, created.Steps[1].Retry)
	assert.Equal(t, int64(250), created.Steps[1].Retry.BackoffMs)
}

func TestCreateWorkflow_Invalid(t *testing.T) {
	ts := newTestServer(t)

	tests := map[string]any{
		"malformed json": `{"name":`,
		"no steps": map[string]any{"name": "x", "entryStepId": "s1", "steps": []any{}},
		"bad kind": map[string]any{"name": "x", "entryStepId": "s1", "steps": []map[string]any{
			{"id": "s1", "kind": "LOOP", "ref": "utils.log"},
		}},
		"bad retry": map[string]any{"name": "x", "entryStepId": "s1", "steps": []map[string]any{
			{"id": "s1", "kind": "ACTION", "ref": "utils.log", "retry": map[string]any{"maxAttempts": 0}},
		}},
		"unknown ref": map[string]any{"name": "x", "entryStepId": "s1", "steps": []map[string]any{
			{"id": "s1", "kind": "ACTION", "ref": "nope.nothing"},
		}},
		"cycle": map[string]any{"name": "x", "entryStepId": "a", "steps": []map[string]any{
			{"id": "a", "kind": "ACTION", "ref": "utils.log", "next": "b"},
			{"id": "b", "kind": "ACTION", "ref": "utils.log", "next": "a"},
		}},
		"bad cron": map[string]any{"name": "x", "entryStepId": "s1", "scheduleCron": "every day", "steps": []map[string]any{
			{"id": "s1", "kind": "ACTION", "ref": "utils.log"},
		}},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/workflows", "alice", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, ts.reloader.calls.Load())
}

func TestExecuteWorkflow(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", mergeWorkflow())

	w := ts.do(t, http.MethodPost, "/api/workflows/"+created.ID+"/execute", "alice",
		map[string]any{"data": map[string]any{"name": "bob"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode[api.RunOutcome](t, w)
	assert.True(t, out.OK)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, map[string]any{"name": "bob", "greeting": "hello"}, out.Data)

	w = ts.do(t, http.MethodGet, "/api/workflows/"+created.ID+"/logs", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]api.RunRecord](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].RunID)
	assert.Equal(t, api.RunSuccess, runs[0].Status)
	assert.Equal(t, "alice", runs[0].UserID)
}

func TestExecuteWorkflow_EmptyBody(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", mergeWorkflow())

	w := ts.do(t, http.MethodPost, "/api/workflows/"+created.ID+"/execute", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[api.RunOutcome](t, w).OK)
}

func TestExecuteWorkflow_ForeignWorkflow(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", mergeWorkflow())

	w := ts.do(t, http.MethodPost, "/api/workflows/"+created.ID+"/execute", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func flakyWorkflow() map[string]any {
	return map[string]any{
		"name":        "flaky",
		"entryStepId": "s1",
		"steps": []map[string]any{
			{"id": "s1", "kind": "ACTION", "ref": "test.flaky", "next": "s2"},
			{"id": "s2", "kind": "ACTION", "ref": "data.merge", "params": map[string]any{
				"items": map[string]any{"after": 1},
			}},
		},
	}
}

func TestJobsAndRetry(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", flakyWorkflow())

	w := ts.do(t, http.MethodPost, "/api/workflows/"+created.ID+"/execute", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[api.RunOutcome](t, w)
	assert.False(t, out.OK)
	assert.Contains(t, out.Error, "downstream unavailable")

	w = ts.do(t, http.MethodGet, "/api/workflows/"+created.ID+"/jobs", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobs := decode[[]api.FailureJob](t, w)
	require.Len(t, jobs, 1)
	assert.Equal(t, api.JobFailed, jobs[0].Status)
	assert.Equal(t, "s1", jobs[0].Step.ID)

	// Another user cannot retry it.
	w = ts.do(t, http.MethodPost, "/api/workflows/jobs/"+jobs[0].ID+"/retry", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ts.healthy.Store(true)
	w = ts.do(t, http.MethodPost, "/api/workflows/jobs/"+jobs[0].ID+"/retry", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[retryResponse](t, w)
	assert.True(t, res.Retried)
	assert.True(t, res.Result.OK)
	assert.Equal(t, true, res.Result.Data["fixed"])
	assert.EqualValues(t, 1, res.Result.Data["after"])

	job, err := ts.store.GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCompleted, job.Status)
	assert.Empty(t, job.LeaseOwner)

	// A completed job cannot be retried again.
	w = ts.do(t, http.MethodPost, "/api/workflows/jobs/"+jobs[0].ID+"/retry", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExecuteWorkflow_ClientDisconnectDoesNotCutRun(t *testing.T) {
	ts := newTestServer(t)
	wf := flakyWorkflow()
	wf["steps"].([]map[string]any)[0]["retry"] = map[string]any{"maxAttempts": 3, "backoffMs": 20}
	created := ts.create(t, "alice", wf)

	// The caller is already gone when the handler starts.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := ts.doContext(t, ctx, http.MethodPost, "/api/workflows/"+created.ID+"/execute", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[api.RunOutcome](t, w)
	assert.False(t, out.OK)
	assert.Contains(t, out.Error, "downstream unavailable")

	jobs, err := ts.store.ListJobs(context.Background(), persistence.JobFilter{WorkflowID: created.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].Attempt, "all attempts run despite the disconnect")

	rec, err := ts.store.GetRun(context.Background(), created.ID, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, rec.Status)
	var attempts int
	for _, l := range rec.Logs {
		if strings.HasPrefix(l.Message, "Running test.flaky") {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
}

func TestRetry_ClientDisconnectDoesNotCutResume(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", flakyWorkflow())

	w := ts.do(t, http.MethodPost, "/api/workflows/"+created.ID+"/execute", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobs, err := ts.store.ListJobs(context.Background(), persistence.JobFilter{WorkflowID: created.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	ts.healthy.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w = ts.doContext(t, ctx, http.MethodPost, "/api/workflows/jobs/"+jobs[0].ID+"/retry", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[retryResponse](t, w).Result.OK)

	job, err := ts.store.GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCompleted, job.Status)
}

func TestRetry_UnknownJob(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/workflows/jobs/missing/retry", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHook(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", mergeWorkflow())

	w := ts.do(t, http.MethodPost, "/api/hooks/"+created.ID, "", map[string]any{"event": "push"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[api.RunOutcome](t, w)
	assert.True(t, out.OK)
	assert.Equal(t, "push", out.Data["event"])

	// The run belongs to the workflow owner.
	rec, err := ts.store.GetRun(context.Background(), created.ID, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.UserID)
}

func TestHook_RequiresWebhookEntry(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", flakyWorkflow())

	w := ts.do(t, http.MethodPost, "/api/hooks/"+created.ID, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not an http webhook trigger")
}

func TestHook_UnknownWorkflow(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/hooks/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHook_NonObjectBody(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "alice", mergeWorkflow())

	w := ts.do(t, http.MethodPost, "/api/hooks/"+created.ID, "", `[1,2,3]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHook_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.HookRateLimit = 0.001
		o.HookBurst = 1
	})
	created := ts.create(t, "alice", mergeWorkflow())

	w := ts.do(t, http.MethodPost, "/api/hooks/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/hooks/"+created.ID, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.MaxBodyBytes = 64 })

	body := mergeWorkflow()
	body["description"] = strings.Repeat("x", 256)
	w := ts.do(t, http.MethodPost, "/api/workflows", "alice", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/hooks/x", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
