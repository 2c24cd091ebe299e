package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/pkg/api"
)

// Publisher adapts a Queue to the engine's api.JobQueue.
type Publisher struct {
	Queue Queue

	// Delay postpones eligibility of published tasks. Zero means immediately.
	Delay time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

var _ api.JobQueue = (*Publisher)(nil)

// NewPublisher returns a Publisher on q.
func NewPublisher(q Queue) *Publisher {
	return &Publisher{Queue: q, Now: time.Now}
}

// EnqueueJob publishes a retry-job task for jobID.
func (p *Publisher) EnqueueJob(ctx context.Context, jobID string) error {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	t := Task{
		ID:         uuid.NewString(),
		Type:       TaskTypeRetryJob,
		JobID:      jobID,
		EnqueuedAt: now,
	}
	if p.Delay > 0 {
		t.NotBefore = now.Add(p.Delay)
	}
	if err := p.Queue.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("%w: job %s: %v", api.ErrEnqueueFailure, jobID, err)
	}
	return nil
}
