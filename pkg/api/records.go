package api

import (
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// Terminal reports whether s is SUCCESS or FAILED.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// RunRecord is the persisted trace of one run, keyed by (WorkflowID, RunID).
// It is created RUNNING before the first step and moved to a terminal status
// exactly once.
type RunRecord struct {
	WorkflowID string     `json:"workflowId"`
	RunID      string     `json:"runId"`
	UserID     string     `json:"userId"`
	Status     RunStatus  `json:"status"`
	Logs       []LogEntry `json:"logs"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// JobStatus represents the lifecycle state of a FailureJob.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobFailed     JobStatus = "FAILED"
	JobCompleted  JobStatus = "COMPLETED"
)

// Claimable reports whether a job in status s may be picked up for
// resumption (ignoring leases).
func (s JobStatus) Claimable() bool {
	return s == JobPending || s == JobFailed
}

// FailureJob is a durable, resumable record of a step that exhausted its
// retries. Retrying the job mutates Attempt, Status and Error in place.
type FailureJob struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflowId"`
	RunID      string     `json:"runId"`
	UserID     string     `json:"userId"`
	Step       StepConfig `json:"step"`
	Attempt    int        `json:"attempt"`
	Status     JobStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`

	// Data is the run data at the time of failure. It is only used for
	// resumption when the resumer is configured to restore it.
	Data map[string]any `json:"data,omitempty"`

	LeaseOwner     string    `json:"leaseOwner,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
