// Package taskqueue hands failure jobs from the engine to background
// workers. Tasks only carry the id of a persisted FailureJob; the job store
// stays the source of truth.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRetryJob asks a worker to resume the failure job JobID.
	TaskTypeRetryJob TaskType = "retry-job"
)

// ErrInvalidTask is returned for tasks that cannot be processed.
var ErrInvalidTask = errors.New("invalid task")

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// JobID is the FailureJob to resume.
	JobID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts deliveries of this task.
	Attempts int
}

// Validate checks the task carries what its type requires.
func (t Task) Validate() error {
	switch t.Type {
	case TaskTypeRetryJob:
		if t.JobID == "" {
			return ErrInvalidTask
		}
		return nil
	default:
		return ErrInvalidTask
	}
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// waitUntil blocks until t or ctx cancellation, whichever comes first.
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// poller is a reusable timer for the polling queues, to avoid allocating
// a new timer on every idle poll.
type poller struct {
	tmr      *time.Timer
	interval time.Duration
}

func newPoller(interval time.Duration) *poller {
	tmr := time.NewTimer(interval)
	tmr.Stop()
	return &poller{tmr: tmr, interval: interval}
}

// wait sleeps one poll interval or returns ctx.Err().
func (p *poller) wait(ctx context.Context) error {
	p.tmr.Reset(p.interval)
	select {
	case <-ctx.Done():
		p.tmr.Stop()
		return ctx.Err()
	case <-p.tmr.C:
		return nil
	}
}

func (p *poller) stop() {
	p.tmr.Stop()
}
