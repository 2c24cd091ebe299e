package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS retry_tasks (
//	    seq        BIGSERIAL PRIMARY KEY,
//	    id         TEXT NOT NULL,
//	    payload    BYTEA NOT NULL,
//	    not_before BIGINT NOT NULL
//	);
//
// The queue is FIFO by not_before, then seq. Concurrent consumers never
// receive the same row thanks to FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 100 * time.Millisecond,
		logger:       slog.Default(),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS retry_tasks (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			not_before BIGINT NOT NULL
		);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO retry_tasks (id, payload, not_before)
		VALUES ($1, $2, $3)
	`, t.ID, data, notBefore)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
//
// Implementation notes:
//   - Uses SELECT ... FOR UPDATE SKIP LOCKED in a transaction to safely claim
//     a single row, then DELETEs it in the same transaction.
//   - If no rows are available, sleeps briefly and retries, checking ctx.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seq, payload, err := q.claimOne(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			if err := p.wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %d failed: %w", seq, err)
		}
		task.Attempts++
		return task, nil
	}
}

func (q *PostgresQueue) claimOne(ctx context.Context) (int64, []byte, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)

	// Lock a single oldest eligible row, if any.
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload
		FROM retry_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, time.Now().UnixNano()).Scan(&seq, &payload)
	if err != nil {
		return 0, nil, err
	}

	// Delete the claimed row within the same transaction.
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_tasks WHERE seq = $1`, seq); err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return seq, payload, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM retry_tasks`).Scan(&n); err != nil {
		q.logger.Warn("postgres queue: len failed", slog.Any("error", err))
		return 0
	}
	return n
}
