package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

// fullStore is implemented by every backend in this package.
type fullStore interface {
	WorkflowStore
	RunStore
	JobStore
}

// runStoreConformance exercises the behavior every backend must share.
// newStore must return an empty store on each call.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) fullStore) {
	t.Run("workflows", func(t *testing.T) { testWorkflowCRUD(t, newStore(t)) })
	t.Run("run lifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("claim", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("claim after lease expiry", func(t *testing.T) { testClaimExpiry(t, newStore(t)) })
	t.Run("concurrent claim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
}

func testTime() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func sampleWorkflow(id, owner string) api.Workflow {
	stop := false
	return api.Workflow{
		ID:           id,
		Name:         "Sample " + id,
		Owner:        owner,
		EntryStepID:  "hook",
		ScheduleCron: "*/5 * * * *",
		DataSchema:   api.DataSchema{"httpStatus": api.TypeNumber},
		Steps: []api.StepConfig{
			{ID: "hook", Kind: api.StepKindTrigger, Ref: "http.webhook", Next: "fetch"},
			{
				ID:            "fetch",
				Kind:          api.StepKindAction,
				Ref:           "http.request",
				Retry:         &api.RetryPolicy{MaxAttempts: 3, Backoff: 100 * time.Millisecond},
				StopOnFailure: &stop,
				Params:        map[string]any{"url": "https://example.com"},
				Outputs:       []string{"httpStatus", "httpData"},
			},
		},
		CreatedAt: testTime(),
		UpdatedAt: testTime(),
	}
}

func sampleJob(id, workflowID string, status api.JobStatus) *api.FailureJob {
	now := testTime()
	return &api.FailureJob{
		ID:         id,
		WorkflowID: workflowID,
		RunID:      "run-" + id,
		UserID:     "user-1",
		Step:       api.StepConfig{ID: "fetch", Kind: api.StepKindAction, Ref: "http.request"},
		Attempt:    3,
		Status:     status,
		Error:      "boom",
		Data:       map[string]any{"k": "v"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testWorkflowCRUD(t *testing.T, s fullStore) {
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)

	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-1", "alice")))
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("wf-2", "bob")))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "hook", got.EntryStepID)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "fetch", got.Steps[0].Next)
	assert.Equal(t, api.RetryPolicy{MaxAttempts: 3, Backoff: 100 * time.Millisecond}, got.Steps[1].RetryOrDefault())
	assert.False(t, got.Steps[1].ShouldStopOnFailure())
	assert.Equal(t, []string{"httpStatus", "httpData"}, got.Steps[1].Outputs)
	assert.Equal(t, api.TypeNumber, got.DataSchema["httpStatus"])

	// Save replaces.
	updated := sampleWorkflow("wf-1", "alice")
	updated.Name = "Renamed"
	require.NoError(t, s.SaveWorkflow(ctx, updated))
	got, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	all, err := s.ListWorkflows(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListWorkflows(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "wf-2", mine[0].ID)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-2"))
	require.ErrorIs(t, s.DeleteWorkflow(ctx, "wf-2"), ErrWorkflowNotFound)
	_, err = s.GetWorkflow(ctx, "wf-2")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func testRunLifecycle(t *testing.T, s fullStore) {
	ctx := context.Background()
	now := testTime()

	_, err := s.GetRun(ctx, "wf-1", "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, s.FinishRun(ctx, "wf-1", "missing", api.RunSuccess, nil, ""), ErrRunNotFound)

	rec := &api.RunRecord{
		WorkflowID: "wf-1",
		RunID:      "run-1",
		UserID:     "user-1",
		Status:     api.RunRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateRun(ctx, rec))
	require.NoError(t, s.CreateRun(ctx, &api.RunRecord{
		WorkflowID: "wf-2", RunID: "run-2", UserID: "user-1", Status: api.RunRunning,
		CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second),
	}))

	got, err := s.GetRun(ctx, "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunRunning, got.Status)
	assert.Empty(t, got.Logs)

	logs := []api.LogEntry{
		{At: now, StepID: "fetch", Level: api.LevelInfo, Message: "Running http.request (attempt 1)"},
		{At: now, StepID: "fetch", Level: api.LevelError, Message: "Error: boom", Meta: map[string]any{"attempt": 1}},
	}
	require.NoError(t, s.FinishRun(ctx, "wf-1", "run-1", api.RunFailed, logs, "boom"))

	got, err = s.GetRun(ctx, "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.Len(t, got.Logs, 2)
	assert.Equal(t, api.LevelError, got.Logs[1].Level)
	assert.EqualValues(t, 1, got.Logs[1].Meta["attempt"])

	// Terminal status is written exactly once.
	err = s.FinishRun(ctx, "wf-1", "run-1", api.RunSuccess, nil, "")
	require.ErrorIs(t, err, ErrRunNotRunning)
	got, err = s.GetRun(ctx, "wf-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, got.Status)

	runs, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)

	running, err := s.ListRuns(ctx, RunFilter{Status: api.RunRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "run-2", running[0].RunID)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testJobs(t *testing.T, s fullStore) {
	ctx := context.Background()

	_, err := s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, s.UpdateJob(ctx, sampleJob("missing", "wf-1", api.JobFailed)), ErrJobNotFound)

	require.NoError(t, s.CreateJob(ctx, sampleJob("job-1", "wf-1", api.JobFailed)))
	require.NoError(t, s.CreateJob(ctx, sampleJob("job-2", "wf-2", api.JobPending)))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "run-job-1", got.RunID)
	assert.Equal(t, "fetch", got.Step.ID)
	assert.Equal(t, "http.request", got.Step.Ref)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, api.JobFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, "v", got.Data["k"])

	got.Attempt = 4
	got.Status = api.JobCompleted
	got.Error = ""
	require.NoError(t, s.UpdateJob(ctx, got))

	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Attempt)
	assert.Equal(t, api.JobCompleted, got.Status)
	assert.Empty(t, got.Error)

	byWorkflow, err := s.ListJobs(ctx, JobFilter{WorkflowID: "wf-2"})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, "job-2", byWorkflow[0].ID)

	byStatus, err := s.ListJobs(ctx, JobFilter{Status: api.JobCompleted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "job-1", byStatus[0].ID)

	byRun, err := s.ListJobs(ctx, JobFilter{RunID: "run-job-2"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
}

func testClaim(t *testing.T, s fullStore) {
	ctx := context.Background()

	_, err := s.TryClaimJob(ctx, "missing", "owner1", time.Minute)
	require.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.CreateJob(ctx, sampleJob("job-1", "wf-1", api.JobFailed)))

	claimed, err := s.TryClaimJob(ctx, "job-1", "owner1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, api.JobInProgress, claimed.Status)
	assert.Equal(t, "owner1", claimed.LeaseOwner)
	assert.True(t, claimed.LeaseExpiresAt.After(time.Now()))

	_, err = s.TryClaimJob(ctx, "job-1", "owner2", time.Minute)
	require.ErrorIs(t, err, api.ErrJobClaimed)

	// Re-entrant for the current holder.
	_, err = s.TryClaimJob(ctx, "job-1", "owner1", time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, s.FinishJob(ctx, "job-1", "owner2", 4, api.JobCompleted, ""), api.ErrJobClaimed)
	require.ErrorIs(t, s.FinishJob(ctx, "missing", "owner1", 4, api.JobCompleted, ""), ErrJobNotFound)

	require.NoError(t, s.FinishJob(ctx, "job-1", "owner1", 4, api.JobFailed, "still broken"))
	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Attempt)
	assert.Equal(t, api.JobFailed, got.Status)
	assert.Equal(t, "still broken", got.Error)
	assert.Empty(t, got.LeaseOwner)
	assert.True(t, got.LeaseExpiresAt.IsZero())

	// FAILED jobs can be claimed again.
	_, err = s.TryClaimJob(ctx, "job-1", "owner2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.FinishJob(ctx, "job-1", "owner2", 5, api.JobCompleted, ""))

	_, err = s.TryClaimJob(ctx, "job-1", "owner3", time.Minute)
	require.ErrorIs(t, err, api.ErrJobCompleted)
}

func testClaimExpiry(t *testing.T, s fullStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, sampleJob("job-1", "wf-1", api.JobPending)))

	_, err := s.TryClaimJob(ctx, "job-1", "owner1", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	claimed, err := s.TryClaimJob(ctx, "job-1", "owner2", time.Minute)
	require.NoError(t, err, "expected owner2 to claim after expiry")
	assert.Equal(t, "owner2", claimed.LeaseOwner)

	// The previous holder lost the lease.
	require.ErrorIs(t, s.FinishJob(ctx, "job-1", "owner1", 4, api.JobCompleted, ""), api.ErrJobClaimed)
}

func testConcurrentClaim(t *testing.T, s fullStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, sampleJob("job-1", "wf-1", api.JobFailed)))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
		refused  int
	)

	owners := []string{"owner1", "owner2", "owner3", "owner4", "owner5"}
	for _, owner := range owners {
		wg.Add(1)
		go func(o string) {
			defer wg.Done()
			_, err := s.TryClaimJob(ctx, "job-1", o, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				acquired = append(acquired, o)
			case errors.Is(err, api.ErrJobClaimed):
				refused++
			default:
				t.Errorf("TryClaimJob %s: %v", o, err)
			}
		}(owner)
	}
	wg.Wait()

	assert.Len(t, acquired, 1, "expected exactly one claimant, got %v", acquired)
	assert.Equal(t, len(owners)-1, refused)
}
