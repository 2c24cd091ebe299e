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

// DefaultLeaseTTL is how long a claimed FailureJob stays reserved for its
// owner when the Resumer has no LeaseTTL.
const DefaultLeaseTTL = 5 * time.Minute

// Resumer re-runs the failed step of a FailureJob and everything after it.
// The operator retry path and the background worker both go through Resume.
type Resumer struct {
	Engine      *Engine
	Workflows   persistence.WorkflowStore
	Jobs        persistence.JobStore
	LeaseTTL    time.Duration
	RestoreData bool
	Logger      *slog.Logger
}

// NewResumer builds a Resumer on the engine and the stores in p.
func NewResumer(e *Engine, p persistence.Persistence) *Resumer {
	return &Resumer{
		Engine:    e,
		Workflows: p.Workflows,
		Jobs:      p.Jobs,
		LeaseTTL:  DefaultLeaseTTL,
		Logger:    slog.Default(),
	}
}

// Resume claims jobID for owner, runs the tail workflow as a new run and
// records the result on the job.
//
// Every call holds its own lease, recorded as "<owner>/<uuid>", so two
// calls with the same owner still exclude each other. A job held by any
// other lease yields api.ErrJobClaimed, a finished one api.ErrJobCompleted.
// The returned outcome describes the tail run.
func (r *Resumer) Resume(ctx context.Context, jobID, owner string) (api.RunOutcome, error) {
	ttl := r.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	owner = leaseToken(owner)

	job, err := r.Jobs.TryClaimJob(ctx, jobID, owner, ttl)
	if err != nil {
		return api.RunOutcome{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}

	wf, err := r.Workflows.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		err = fmt.Errorf("load workflow %s: %w", job.WorkflowID, err)
		return api.RunOutcome{}, errors.Join(err, r.finish(ctx, job, owner, api.JobFailed, err.Error()))
	}

	initial := map[string]any{}
	if r.RestoreData {
		initial = api.CopyData(job.Data)
	}

	out, err := r.Engine.RunWorkflow(ctx, BuildTail(wf, job.Step), job.UserID, initial)
	if err != nil {
		return out, errors.Join(err, r.finish(ctx, job, owner, api.JobFailed, err.Error()))
	}

	status := api.JobCompleted
	if !out.OK {
		status = api.JobFailed
	}
	if err := r.finish(ctx, job, owner, status, out.Error); err != nil {
		return out, err
	}

	r.logger().InfoContext(ctx, "failure job resumed",
		slog.String("job_id", job.ID),
		slog.String("run_id", out.RunID),
		slog.String("status", string(status)),
		slog.Int("attempt", job.Attempt+1),
	)
	return out, nil
}

func leaseToken(owner string) string {
	if owner == "" {
		owner = "resumer"
	}
	return owner + "/" + uuid.NewString()
}

func (r *Resumer) finish(ctx context.Context, job *api.FailureJob, owner string, status api.JobStatus, errMsg string) error {
	err := r.Jobs.FinishJob(context.WithoutCancel(ctx), job.ID, owner, job.Attempt+1, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Resumer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// BuildTail returns the workflow that starts at failed and follows Next
// through wf. The walk stops at a step it has already taken or one wf does
// not define.
func BuildTail(wf api.Workflow, failed api.StepConfig) api.Workflow {
	idx := wf.StepIndex()
	steps := []api.StepConfig{failed}
	seen := map[string]struct{}{failed.ID: {}}

	for cursor := failed.Next; cursor != ""; {
		if _, dup := seen[cursor]; dup {
			break
		}
		step, ok := idx[cursor]
		if !ok {
			break
		}
		seen[cursor] = struct{}{}
		steps = append(steps, step)
		cursor = step.Next
	}

	tail := wf
	tail.Steps = steps
	tail.EntryStepID = failed.ID
	return tail
}
