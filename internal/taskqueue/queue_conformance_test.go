package taskqueue

import (
	"context"
	"testing"
	"time"
)

func retryTask(id, jobID string) Task {
	return Task{ID: id, Type: TaskTypeRetryJob, JobID: jobID, EnqueuedAt: time.Now()}
}

// runQueueConformance exercises the behavior every Queue must share.
// newQueue must return an empty queue on each call.
func runQueueConformance(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("fifo", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for i, id := range []string{"1", "2", "3"} {
			if err := q.Enqueue(ctx, retryTask(id, "job-"+id)); err != nil {
				t.Fatalf("Enqueue %d failed: %v", i, err)
			}
			// Keep enqueue timestamps distinct for backends ordering by time.
			time.Sleep(2 * time.Millisecond)
		}
		if got := q.Len(); got != 3 {
			t.Fatalf("expected Len 3, got %d", got)
		}

		for _, want := range []string{"job-1", "job-2", "job-3"} {
			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if task.JobID != want {
				t.Fatalf("unexpected dequeue order: got %q, want %q", task.JobID, want)
			}
			if task.Type != TaskTypeRetryJob {
				t.Fatalf("unexpected type %q", task.Type)
			}
			if task.Attempts != 1 {
				t.Fatalf("expected first delivery, got attempts=%d", task.Attempts)
			}
		}
		if got := q.Len(); got != 0 {
			t.Fatalf("expected Len 0 after dequeues, got %d", got)
		}
	})

	t.Run("dequeue honors context cancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := q.Dequeue(ctx); err == nil {
			t.Fatalf("expected Dequeue to fail due to context cancellation")
		}
	})

	t.Run("blocked dequeue receives later enqueue", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		got := make(chan *Task, 1)
		errCh := make(chan error, 1)
		go func() {
			task, err := q.Dequeue(ctx)
			if err != nil {
				errCh <- err
				return
			}
			got <- task
		}()

		time.Sleep(50 * time.Millisecond)
		if err := q.Enqueue(ctx, retryTask("late", "job-late")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		select {
		case err := <-errCh:
			t.Fatalf("Dequeue returned error: %v", err)
		case task := <-got:
			if task.JobID != "job-late" {
				t.Fatalf("unexpected task %+v", task)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for dequeued task")
		}
	})

	t.Run("not before delays delivery", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task := retryTask("delayed", "job-delayed")
		task.NotBefore = time.Now().Add(150 * time.Millisecond)
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		start := time.Now()
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.JobID != "job-delayed" {
			t.Fatalf("unexpected task %+v", got)
		}
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Fatalf("task delivered too early after %v", elapsed)
		}
	})

	t.Run("rejects invalid task", func(t *testing.T) {
		q := newQueue(t)
		if err := q.Enqueue(context.Background(), Task{ID: "x", Type: TaskTypeRetryJob}); err == nil {
			t.Fatalf("expected error for task without job id")
		}
	})
}
