package stepflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Workflow         = api.Workflow
	StepConfig       = api.StepConfig
	StepKind         = api.StepKind
	RetryPolicy      = api.RetryPolicy
	DataSchema       = api.DataSchema
	DataType         = api.DataType
	StepHandler      = api.StepHandler
	HandlerFunc      = api.HandlerFunc
	StepResult       = api.StepResult
	ExecutionContext = api.ExecutionContext
	LogEntry         = api.LogEntry
	LogLevel         = api.LogLevel
	RunOutcome       = api.RunOutcome
	RunRecord        = api.RunRecord
	RunStatus        = api.RunStatus
	FailureJob       = api.FailureJob
	JobStatus        = api.JobStatus
	Observer         = api.Observer
	LoggingObserver  = api.LoggingObserver
	BasicMetrics     = api.BasicMetrics
	NoopObserver     = api.NoopObserver
)

// Engine types. They live in an internal package; the aliases make them
// usable from outside the module.

type (
	Engine       = engine.Engine
	EngineConfig = engine.Config
	Registry     = engine.Registry
	Resumer      = engine.Resumer
	Persistence  = persistence.Persistence
	RunFilter    = persistence.RunFilter
	JobFilter    = persistence.JobFilter
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Succeeded            = api.Succeeded
	Failed               = api.Failed
)

const (
	KindTrigger = api.StepKindTrigger
	KindAction  = api.StepKindAction

	RunRunning = api.RunRunning
	RunSuccess = api.RunSuccess
	RunFailed  = api.RunFailed

	JobPending    = api.JobPending
	JobInProgress = api.JobInProgress
	JobFailed     = api.JobFailed
	JobCompleted  = api.JobCompleted
)

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return engine.NewRegistry()
}

// NewEngine creates an Engine. See EngineConfig for the defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	return engine.NewEngine(cfg)
}

// NewResumer creates a Resumer for failure jobs stored in p.
func NewResumer(eng *Engine, p Persistence) *Resumer {
	return engine.NewResumer(eng, p)
}

// ValidateWorkflow checks wf against the handlers bound in reg.
func ValidateWorkflow(wf Workflow, reg *Registry) error {
	return engine.ValidateWorkflow(wf, reg)
}

// Persistence constructors.
// These wrap the internal/persistence package so external callers
// never need to import internal packages.

// NewInMemoryPersistence returns non-durable stores, for tests and local runs.
func NewInMemoryPersistence() Persistence {
	return persistence.NewPersistence(persistence.NewInMemoryStore())
}

// NewSQLitePersistence creates the schema in db if needed. The caller
// imports a SQLite driver such as modernc.org/sqlite.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	s, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return persistence.NewPersistence(s), nil
}

// NewPostgresPersistence creates the schema in db if needed. db is expected
// to use the pgx stdlib driver.
func NewPostgresPersistence(db *sql.DB) (Persistence, error) {
	s, err := persistence.NewPostgresStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return persistence.NewPersistence(s), nil
}

// NewRedisPersistence stores everything under keys starting with prefix.
func NewRedisPersistence(client *redis.Client, prefix string) Persistence {
	return persistence.NewPersistence(persistence.NewRedisStore(client, prefix))
}

// NewMongoPersistence stores everything in database dbName.
func NewMongoPersistence(client *mongo.Client, dbName string) Persistence {
	return persistence.NewPersistence(persistence.NewMongoStore(client, dbName))
}

// Convenience helpers that just forward to the underlying Engine.

// Run executes wf once for userID with the given initial data.
func Run(ctx context.Context, eng *Engine, wf Workflow, userID string, data map[string]any) (RunOutcome, error) {
	return eng.RunWorkflow(ctx, wf, userID, data)
}

// Resume claims jobID for owner and re-runs the failed step and its
// successors.
func Resume(ctx context.Context, r *Resumer, jobID, owner string) (RunOutcome, error) {
	return r.Resume(ctx, jobID, owner)
}
