package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:        string,    // task ID
//	  payload:    []byte,    // gob-encoded Task
//	  not_before: time.Time,
//	  created_at: time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "stepflow", collName to "retry_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "retry_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
		logger:       slog.Default(),
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID        string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	NotBefore time.Time `bson:"not_before"`
	CreatedAt time.Time `bson:"created_at"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now().UTC()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	doc := mongoQueueDoc{
		ID:        t.ID,
		Payload:   data,
		NotBefore: notBefore.UTC(),
		CreatedAt: now,
	}
	_, err = q.coll.InsertOne(ctx, doc)
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "created_at", Value: 1},
			}),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// No tasks yet, wait a bit.
				if err := p.wait(ctx); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		task, err := DecodeTask(doc.Payload)
		if err != nil {
			return nil, err
		}
		task.Attempts++
		return task, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		q.logger.Warn("mongo queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
