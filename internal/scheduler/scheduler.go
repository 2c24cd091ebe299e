// Package scheduler runs workflows on their cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Runner starts a run. *engine.Engine implements it.
type Runner interface {
	RunWorkflow(ctx context.Context, wf api.Workflow, userID string, initialData map[string]any) (api.RunOutcome, error)
}

// Entry describes one scheduled workflow.
type Entry struct {
	WorkflowID string
	Spec       string
	Next       time.Time
}

// Scheduler registers a cron entry per workflow with a ScheduleCron and
// runs the workflow as its owner, with empty initial data, on every tick.
type Scheduler struct {
	workflows persistence.WorkflowStore
	runner    Runner
	logger    *slog.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]scheduled
	runCtx  context.Context
	// running survives Reload, so a replaced entry cannot overlap a run
	// started by the entry it replaced.
	running map[string]bool
}

type scheduled struct {
	id   cron.EntryID
	spec string
}

// New creates a stopped Scheduler. Overlapping ticks of the same workflow
// are skipped.
func New(workflows persistence.WorkflowStore, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		workflows: workflows,
		runner:    runner,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[string]scheduled),
		running: make(map[string]bool),
		runCtx:  context.Background(),
	}
}

// Start loads the schedules and starts the cron loop. Runs started by the
// scheduler use ctx, without its cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	n, err := s.Reload(ctx)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("workflows", n))
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload replaces all entries with the schedules currently stored. Invalid
// expressions are logged and skipped. It returns the number of scheduled
// workflows.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	wfs, err := s.workflows.ListWorkflows(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list workflows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}

	for _, wf := range wfs {
		if wf.ScheduleCron == "" {
			continue
		}
		sched, err := cron.ParseStandard(wf.ScheduleCron)
		if err != nil {
			s.logger.WarnContext(ctx, "invalid cron expression",
				slog.String("workflow_id", wf.ID),
				slog.String("cron", wf.ScheduleCron),
				slog.Any("error", err),
			)
			continue
		}

		id := s.cron.Schedule(sched, s.job(wf.ID))
		s.entries[wf.ID] = scheduled{id: id, spec: wf.ScheduleCron}
		s.logger.DebugContext(ctx, "workflow scheduled",
			slog.String("workflow_id", wf.ID),
			slog.String("cron", wf.ScheduleCron),
		)
	}
	return len(s.entries), nil
}

// Entries lists the scheduled workflows sorted by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for wfID, e := range s.entries {
		out = append(out, Entry{
			WorkflowID: wfID,
			Spec:       e.spec,
			Next:       s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

func (s *Scheduler) job(workflowID string) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		s.fire(ctx, workflowID)
	})
}

// fire loads the current definition so edits apply to the next tick.
func (s *Scheduler) fire(ctx context.Context, workflowID string) {
	log := s.logger.With(slog.String("workflow_id", workflowID))

	if !s.acquire(workflowID) {
		log.InfoContext(ctx, "previous scheduled run still going, tick skipped")
		return
	}
	defer s.release(workflowID)

	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if errors.Is(err, persistence.ErrWorkflowNotFound) {
		log.WarnContext(ctx, "scheduled workflow no longer exists")
		return
	}
	if err != nil {
		log.ErrorContext(ctx, "load scheduled workflow", slog.Any("error", err))
		return
	}

	out, err := s.runner.RunWorkflow(ctx, wf, wf.Owner, map[string]any{})
	if err != nil {
		log.ErrorContext(ctx, "scheduled run not started", slog.Any("error", err))
		return
	}
	if out.OK {
		log.InfoContext(ctx, "scheduled run succeeded", slog.String("run_id", out.RunID))
	} else {
		log.WarnContext(ctx, "scheduled run failed", slog.String("run_id", out.RunID), slog.String("error", out.Error))
	}
}

func (s *Scheduler) acquire(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[workflowID] {
		return false
	}
	s.running[workflowID] = true
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.mu.Lock()
	delete(s.running, workflowID)
	s.mu.Unlock()
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
