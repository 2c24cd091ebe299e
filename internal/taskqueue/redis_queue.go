package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses a single Redis list with key:
//
//	<prefix>retry_tasks
//
// Values are gob-encoded Task structs; LPUSH on enqueue, BRPOP on dequeue.
type RedisQueue struct {
	client *redis.Client
	key    string

	// blockTimeout bounds each BRPOP so cancellation is noticed promptly.
	blockTimeout time.Duration
	logger       *slog.Logger
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "retry_tasks",
		blockTimeout: time.Second,
		logger:       slog.Default(),
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a task onto the Redis list (LPUSH).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
// A task whose NotBefore lies in the future is held by the caller until it
// becomes eligible.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if len(res) != 2 {
			q.logger.Warn("redis queue: unexpected BRPOP result", slog.Any("result", res))
			continue
		}

		task, err := DecodeTask([]byte(res[1]))
		if err != nil {
			return nil, err
		}
		if err := waitUntil(ctx, task.NotBefore); err != nil {
			// Hand it back; RPUSH keeps it at the consumer end of the list.
			_ = q.client.RPush(context.WithoutCancel(ctx), q.key, res[1]).Err()
			return nil, err
		}
		task.Attempts++
		return task, nil
	}
}

// Len returns the approximate number of tasks queued (LLEN).
func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		q.logger.Warn("redis queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
