// Package bootstrap opens the configured backend and assembles the
// engine, worker, scheduler and HTTP server of a stepflow process.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow"
	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/httpapi"
	"github.com/petrijr/stepflow/internal/scheduler"
)

const connectTimeout = 10 * time.Second

// App holds the assembled components. Scheduler is nil when disabled.
type App struct {
	*stepflow.Bundle

	Config    config.Config
	Logger    *slog.Logger
	Scheduler *scheduler.Scheduler

	closers []func(context.Context) error
}

// Open connects to the backend named by cfg.Store.Backend and wires a
// Bundle on it.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	opts := stepflow.BundleOptions{
		Logger:             logger,
		MaxSteps:           cfg.Engine.MaxSteps,
		DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
		LeaseTTL:           cfg.Worker.LeaseTTL,
		RestoreData:        cfg.Engine.RestoreData,
		RetryDelay:         cfg.Queue.RetryDelay,
		PollInterval:       cfg.Worker.PollInterval,
	}
	if cfg.QueueBackend() == config.BackendMemory {
		opts.MemoryQueueCapacity = cfg.Queue.Capacity
	}

	bundle, err := app.openBundle(ctx, cfg.Store, opts)
	if err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	app.Bundle = bundle

	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduler.New(bundle.Persistence.Workflows, bundle.Engine, logger)
	}

	logger.InfoContext(ctx, "stepflow backend ready",
		slog.String("store", cfg.Store.Backend),
		slog.String("queue", cfg.QueueBackend()),
		slog.Any("handlers", bundle.Registry.Refs()),
	)
	return app, nil
}

func (a *App) openBundle(ctx context.Context, sc config.StoreConfig, opts stepflow.BundleOptions) (*stepflow.Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch sc.Backend {
	case config.BackendMemory:
		return stepflow.NewInMemoryBundle(opts)

	case config.BackendSQLite:
		dsn := "file:" + sc.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", sc.SQLitePath, err)
		}
		// The queue and the stores share one connection.
		db.SetMaxOpenConns(1)
		a.onClose(func(context.Context) error { return db.Close() })
		return stepflow.NewSQLiteBundle(db, opts)

	case config.BackendPostgres:
		db, err := sql.Open("pgx", sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose(func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return stepflow.NewPostgresBundle(db, opts)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		a.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", sc.RedisAddr, err)
		}
		return stepflow.NewRedisBundle(client, sc.RedisPrefix, opts)

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.onClose(client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return stepflow.NewMongoBundle(client, sc.MongoDB, opts)

	default:
		return nil, fmt.Errorf("unsupported store backend %q", sc.Backend)
	}
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// HTTPHandler builds the API router on the app's components.
func (a *App) HTTPHandler() http.Handler {
	var reloader httpapi.Reloader
	if a.Scheduler != nil {
		reloader = a.Scheduler
	}
	return httpapi.New(a.Persistence, a.Registry, a.Engine, a.Resumer, reloader, httpapi.Options{
		CORSOrigins:   a.Config.HTTP.CORSOrigins,
		HookRateLimit: a.Config.HTTP.HookRateLimit,
		HookBurst:     a.Config.HTTP.HookBurst,
		RetryOwner:    a.Worker.ID,
		Logger:        a.Logger,
	}).Handler()
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
