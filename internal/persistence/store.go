package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound is returned when a run record is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotRunning is returned when finishing a run that is no longer RUNNING.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrJobNotFound is returned when a failure job is not found.
	ErrJobNotFound = errors.New("failure job not found")
)

// WorkflowStore handles storage of workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow inserts or replaces the workflow with the same ID.
	SaveWorkflow(ctx context.Context, wf api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (api.Workflow, error)
	// ListWorkflows returns the workflows of owner, or all workflows when
	// owner is empty.
	ListWorkflows(ctx context.Context, owner string) ([]api.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// RunFilter is used to select run records from the store.
// Empty fields mean "no filter" for that field.
type RunFilter struct {
	WorkflowID string
	Status     api.RunStatus
}

// RunStore handles storage of run records.
type RunStore interface {
	// CreateRun persists a new record, normally in status RUNNING.
	CreateRun(ctx context.Context, rec *api.RunRecord) error
	// FinishRun moves a RUNNING record to a terminal status and stores its
	// logs. It returns ErrRunNotRunning if the record already terminated.
	FinishRun(ctx context.Context, workflowID, runID string, status api.RunStatus, logs []api.LogEntry, errMsg string) error
	GetRun(ctx context.Context, workflowID, runID string) (*api.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error)
}

// JobFilter is used to select failure jobs from the store.
type JobFilter struct {
	WorkflowID string
	RunID      string
	Status     api.JobStatus
}

// JobStore handles storage of failure jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *api.FailureJob) error
	UpdateJob(ctx context.Context, job *api.FailureJob) error
	GetJob(ctx context.Context, id string) (*api.FailureJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*api.FailureJob, error)

	// TryClaimJob atomically moves a job to IN_PROGRESS under a lease held
	// by owner. A job is claimable when it is PENDING or FAILED, or when it
	// is IN_PROGRESS and its lease has expired or is already held by owner.
	//
	// It returns ErrJobNotFound, api.ErrJobCompleted or api.ErrJobClaimed
	// when the claim is refused.
	TryClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (*api.FailureJob, error)

	// FinishJob records the outcome of a resumption and releases the lease.
	// It returns api.ErrJobClaimed if owner no longer holds the lease.
	FinishJob(ctx context.Context, id, owner string, attempt int, status api.JobStatus, errMsg string) error
}

// claimRefused maps a refused claim on an existing job to its sentinel.
func claimRefused(job *api.FailureJob) error {
	if job.Status == api.JobCompleted {
		return api.ErrJobCompleted
	}
	return api.ErrJobClaimed
}

// claimable reports whether owner may claim job at now.
func claimable(job *api.FailureJob, owner string, now time.Time) bool {
	if job.Status.Claimable() {
		return true
	}
	if job.Status != api.JobInProgress {
		return false
	}
	return job.LeaseOwner == "" || job.LeaseOwner == owner || !job.LeaseExpiresAt.After(now)
}
