package taskqueue

import (
	"context"
	"log/slog"
)

// InMemoryQueue is a simple Queue implementation backed by a buffered channel.
// It is safe for concurrent use. Tasks are lost when the process exits.
type InMemoryQueue struct {
	ch     chan Task
	logger *slog.Logger
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch:     make(chan Task, capacity),
		logger: slog.Default(),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the oldest task. A task whose NotBefore lies in the future
// is held by the caller until it becomes eligible.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		if err := waitUntil(ctx, t.NotBefore); err != nil {
			// Put it back for another consumer. A full buffer loses the task.
			select {
			case q.ch <- t:
			default:
				q.logger.Error("in-memory queue: delayed task dropped, buffer full",
					slog.String("task_id", t.ID),
					slog.String("job_id", t.JobID),
					slog.Time("not_before", t.NotBefore),
				)
			}
			return nil, err
		}
		t.Attempts++
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}
