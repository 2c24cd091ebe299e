package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// WorkflowStore, RunStore and JobStore backed by maps.
//
// Records are copied on the way in and out so callers never share state
// with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]api.Workflow
	runs      map[runKey]*api.RunRecord
	jobs      map[string]*api.FailureJob

	// now is overridable in tests to drive lease expiry.
	now func() time.Time
}

type runKey struct {
	workflowID string
	runID      string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]api.Workflow),
		runs:      make(map[runKey]*api.RunRecord),
		jobs:      make(map[string]*api.FailureJob),
		now:       time.Now,
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ WorkflowStore = (*InMemoryStore)(nil)

var _ RunStore = (*InMemoryStore)(nil)

var _ JobStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, wf api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = wf
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return api.Workflow{}, ErrWorkflowNotFound
	}
	return wf, nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, owner string) ([]api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if owner != "" && wf.Owner != owner {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	return nil
}

func (s *InMemoryStore) CreateRun(ctx context.Context, rec *api.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.Logs = append([]api.LogEntry(nil), rec.Logs...)
	s.runs[runKey{rec.WorkflowID, rec.RunID}] = &cp
	return nil
}

func (s *InMemoryStore) FinishRun(ctx context.Context, workflowID, runID string, status api.RunStatus, logs []api.LogEntry, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runKey{workflowID, runID}]
	if !ok {
		return ErrRunNotFound
	}
	if rec.Status != api.RunRunning {
		return ErrRunNotRunning
	}
	rec.Status = status
	rec.Logs = append([]api.LogEntry(nil), logs...)
	rec.Error = errMsg
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, workflowID, runID string) (*api.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runKey{workflowID, runID}]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *rec
	cp.Logs = append([]api.LogEntry(nil), rec.Logs...)
	return &cp, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.RunRecord
	for _, rec := range s.runs {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		cp.Logs = append([]api.LogEntry(nil), rec.Logs...)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InMemoryStore) CreateJob(ctx context.Context, job *api.FailureJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateJob(ctx context.Context, job *api.FailureJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*api.FailureJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *InMemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.FailureJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FailureJob
	for _, job := range s.jobs {
		if filter.WorkflowID != "" && job.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.RunID != "" && job.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InMemoryStore) TryClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (*api.FailureJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	now := s.now()
	if !claimable(job, owner, now) {
		return nil, claimRefused(job)
	}

	job.Status = api.JobInProgress
	job.LeaseOwner = owner
	job.LeaseExpiresAt = now.Add(ttl).UTC()
	job.UpdatedAt = now.UTC()

	cp := *job
	return &cp, nil
}

func (s *InMemoryStore) FinishJob(ctx context.Context, id, owner string, attempt int, status api.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.LeaseOwner != owner {
		return api.ErrJobClaimed
	}

	job.Attempt = attempt
	job.Status = status
	job.Error = errMsg
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = s.now().UTC()
	return nil
}
