package stepflow

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/plugins/builtin"
	workerpkg "github.com/petrijr/stepflow/pkg/worker"
)

// Bundle wires together a Registry, the stores, an Engine, a Resumer, a
// durable retry queue and a Worker that consumes it. Every bundle shares
// one backend between stores and queue.
type Bundle struct {
	Registry    *Registry
	Persistence Persistence
	Engine      *Engine
	Resumer     *Resumer
	Worker      *workerpkg.Worker

	// queue is kept unexported; the engine publishes to it and the worker
	// consumes it.
	queue taskqueue.Queue
}

// BundleOptions tunes the components of a Bundle. The zero value is usable.
type BundleOptions struct {
	Logger *slog.Logger

	// Observer receives engine lifecycle events. Defaults to a
	// LoggingObserver on Logger.
	Observer Observer

	MaxSteps           int
	DefaultStepTimeout time.Duration

	LeaseTTL    time.Duration
	RestoreData bool

	// RetryDelay postpones the retry task published for every new
	// FailureJob.
	RetryDelay time.Duration

	WorkerID     string
	PollInterval time.Duration

	// SkipBuiltins leaves the registry empty instead of binding the
	// plugins/builtin handlers.
	SkipBuiltins bool
	HTTPClient   *http.Client

	// MemoryQueueCapacity > 0 replaces the backend queue with an in-memory
	// one of that capacity.
	MemoryQueueCapacity int
}

func newBundle(p Persistence, q taskqueue.Queue, opts BundleOptions) (*Bundle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MemoryQueueCapacity > 0 {
		q = taskqueue.NewInMemoryQueue(opts.MemoryQueueCapacity)
	}

	reg := engine.NewRegistry()
	if !opts.SkipBuiltins {
		err := builtin.RegisterWith(reg, builtin.Options{HTTPClient: opts.HTTPClient, Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	obs := opts.Observer
	if obs == nil {
		obs = NewLoggingObserver(logger)
	}

	pub := taskqueue.NewPublisher(q)
	pub.Delay = opts.RetryDelay

	eng, err := engine.NewEngine(engine.Config{
		Registry:           reg,
		Persistence:        p,
		Queue:              pub,
		Observer:           obs,
		Logger:             logger,
		MaxSteps:           opts.MaxSteps,
		DefaultStepTimeout: opts.DefaultStepTimeout,
	})
	if err != nil {
		return nil, err
	}

	res := engine.NewResumer(eng, p)
	res.RestoreData = opts.RestoreData
	res.Logger = logger
	if opts.LeaseTTL > 0 {
		res.LeaseTTL = opts.LeaseTTL
	}

	w := workerpkg.New(res, q)
	w.Logger = logger
	if opts.WorkerID != "" {
		w.ID = opts.WorkerID
	}
	if opts.PollInterval > 0 {
		w.PollInterval = opts.PollInterval
	}

	return &Bundle{
		Registry:    reg,
		Persistence: p,
		Engine:      eng,
		Resumer:     res,
		Worker:      w,
		queue:       q,
	}, nil
}

// QueueLen returns the approximate number of pending retry tasks.
func (b *Bundle) QueueLen() int {
	return b.queue.Len()
}

// NewInMemoryBundle keeps everything in process memory. Nothing survives a
// restart.
func NewInMemoryBundle(opts BundleOptions) (*Bundle, error) {
	capacity := opts.MemoryQueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	return newBundle(NewInMemoryPersistence(), taskqueue.NewInMemoryQueue(capacity), opts)
}

// NewSQLiteBundle constructs a durable bundle whose stores and queue share
// the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := stepflow.NewSQLiteBundle(db, stepflow.BundleOptions{})
//	// save workflows through bundle.Persistence
//	// run them with bundle.Engine, resume failures with bundle.Worker
func NewSQLiteBundle(db *sql.DB, opts BundleOptions) (*Bundle, error) {
	p, err := NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(p, q, opts)
}

// NewPostgresBundle is NewSQLiteBundle for a pgx-backed *sql.DB.
func NewPostgresBundle(db *sql.DB, opts BundleOptions) (*Bundle, error) {
	p, err := NewPostgresPersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(p, q, opts)
}

// NewRedisBundle keeps stores and queue under keys starting with prefix.
func NewRedisBundle(client *redis.Client, prefix string, opts BundleOptions) (*Bundle, error) {
	return newBundle(
		persistence.NewPersistence(persistence.NewRedisStore(client, prefix)),
		taskqueue.NewRedisQueue(client, prefix),
		opts,
	)
}

// NewMongoBundle keeps stores and queue in database dbName.
func NewMongoBundle(client *mongo.Client, dbName string, opts BundleOptions) (*Bundle, error) {
	return newBundle(
		persistence.NewPersistence(persistence.NewMongoStore(client, dbName)),
		taskqueue.NewMongoQueue(client, dbName, ""),
		opts,
	)
}
