package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Resumer resumes a FailureJob on behalf of owner. *engine.Resumer
// implements it.
type Resumer interface {
	Resume(ctx context.Context, jobID, owner string) (api.RunOutcome, error)
}

// DefaultPollInterval is how long a consumer waits after a failed Dequeue.
const DefaultPollInterval = time.Second

// Worker pulls retry tasks from a Queue and resumes their jobs.
type Worker struct {
	resumer Resumer
	queue   taskqueue.Queue

	// ID is the lease owner used when claiming jobs.
	ID string

	PollInterval time.Duration
	Logger       *slog.Logger
}

// New creates a new Worker with a generated ID.
func New(resumer Resumer, queue taskqueue.Queue) *Worker {
	return &Worker{
		resumer:      resumer,
		queue:        queue,
		ID:           defaultID(),
		PollInterval: DefaultPollInterval,
		Logger:       slog.Default(),
	}
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// EnqueueRetry enqueues a task to resume jobID asynchronously.
// It does NOT resume the job itself; that is done by ProcessOne.
func (w *Worker) EnqueueRetry(ctx context.Context, jobID string) error {
	return w.EnqueueRetryAt(ctx, jobID, time.Time{})
}

// EnqueueRetryAt enqueues a retry task that becomes eligible no earlier
// than at.
func (w *Worker) EnqueueRetryAt(ctx context.Context, jobID string, at time.Time) error {
	t := taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeRetryJob,
		JobID:      jobID,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	}
	return w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the Dequeue error.
//   - processed == true: a task was taken off the queue; err is non-nil only
//     if resuming its job failed for a reason other than the job being
//     claimed elsewhere, completed or gone.
//
// A tail run that fails again is not an error: the outcome is recorded on
// the job and the engine enqueues a new one.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.logger().With(
		slog.String("task_id", task.ID),
		slog.String("job_id", task.JobID),
		slog.Int("delivery", task.Attempts),
	)

	switch task.Type {
	case taskqueue.TaskTypeRetryJob:
		out, err := w.resumer.Resume(ctx, task.JobID, w.ID)
		switch {
		case errors.Is(err, api.ErrJobClaimed), errors.Is(err, api.ErrJobCompleted):
			log.InfoContext(ctx, "retry task skipped", slog.Any("reason", err))
			return true, nil
		case errors.Is(err, persistence.ErrJobNotFound):
			log.WarnContext(ctx, "retry task for unknown job dropped")
			return true, nil
		case err != nil:
			return true, fmt.Errorf("resume job %s: %w", task.JobID, err)
		}

		if out.OK {
			log.InfoContext(ctx, "failure job completed", slog.String("run_id", out.RunID))
		} else {
			log.WarnContext(ctx, "failure job failed again",
				slog.String("run_id", out.RunID),
				slog.String("error", out.Error),
			)
		}
		return true, nil

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// Run starts concurrency consumers and blocks until ctx is cancelled or a
// consumer stops. Processing errors are logged; a failed Dequeue is retried
// after PollInterval.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := i
		g.Go(func() error {
			return w.consume(ctx, consumer)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, consumer int) error {
	log := w.logger().With(slog.String("worker_id", w.ID), slog.Int("consumer", consumer))
	log.DebugContext(ctx, "consumer started")

	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			log.DebugContext(ctx, "consumer stopped")
			return nil
		}
		if err == nil {
			continue
		}
		if processed {
			log.ErrorContext(ctx, "retry task failed", slog.Any("error", err))
			continue
		}

		log.WarnContext(ctx, "dequeue failed", slog.Any("error", err))
		if err := w.pause(ctx); err != nil {
			return nil
		}
	}
}

func (w *Worker) pause(ctx context.Context) error {
	d := w.PollInterval
	if d <= 0 {
		d = DefaultPollInterval
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
