// Package config loads stepflow's runtime configuration from STEPFLOW_*
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so http.addr is
// read from STEPFLOW_HTTP_ADDR.
const EnvPrefix = "STEPFLOW"

// Backend names accepted for store.backend and queue.backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// HookRateLimit is the sustained number of webhook calls per second.
	// 0 disables limiting.
	HookRateLimit float64  `mapstructure:"hook_rate_limit"`
	HookBurst     int      `mapstructure:"hook_burst"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDB     string `mapstructure:"mongo_db"`
}

// QueueConfig selects the retry queue. An empty Backend follows the store.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	// RetryDelay postpones each published retry task.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

type EngineConfig struct {
	MaxSteps           int           `mapstructure:"max_steps"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	// RestoreData seeds resumed runs with the data snapshot of the failed run.
	RestoreData bool `mapstructure:"restore_data"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.hook_rate_limit", 20.0)
	v.SetDefault("http.hook_burst", 40)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "stepflow.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "stepflow:")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_db", "stepflow")

	v.SetDefault("queue.backend", "")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.retry_delay", 30*time.Second)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.lease_ttl", 5*time.Minute)

	v.SetDefault("engine.max_steps", 256)
	v.SetDefault("engine.default_step_timeout", 30*time.Second)
	v.SetDefault("engine.restore_data", false)

	v.SetDefault("scheduler.enabled", true)
}

// Load reads the configuration. path names an optional config file in any
// format viper understands; an empty path reads the environment only.
// Environment variables override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// QueueBackend returns the effective queue backend.
func (c Config) QueueBackend() string {
	if c.Queue.Backend == "" {
		return c.Store.Backend
	}
	return c.Queue.Backend
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http addr cannot be empty")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http shutdown timeout must be positive")
	}
	if c.HTTP.HookRateLimit < 0 {
		return errors.New("hook rate limit must be >= 0")
	}
	if c.HTTP.HookRateLimit > 0 && c.HTTP.HookBurst < 1 {
		return errors.New("hook burst must be >= 1 when rate limiting is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	switch c.QueueBackend() {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	if c.QueueBackend() == BackendMemory && c.Queue.Capacity < 1 {
		return errors.New("queue capacity must be >= 1")
	}
	if c.QueueBackend() != BackendMemory && c.QueueBackend() != c.Store.Backend {
		// Queue backends reuse the store connection.
		return fmt.Errorf("queue backend %q requires store backend %q", c.QueueBackend(), c.QueueBackend())
	}

	if c.Queue.RetryDelay < 0 {
		return errors.New("queue retry delay must be >= 0")
	}

	if c.Worker.Concurrency < 1 {
		return errors.New("worker concurrency must be >= 1")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("worker poll interval must be positive")
	}
	if c.Worker.LeaseTTL <= 0 {
		return errors.New("worker lease ttl must be positive")
	}

	if c.Engine.MaxSteps < 0 {
		return errors.New("engine max steps must be >= 0")
	}
	if c.Engine.DefaultStepTimeout < 0 {
		return errors.New("engine default step timeout must be >= 0")
	}
	return nil
}

func (c Config) validateStore() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("sqlite path cannot be empty when store backend is sqlite")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("postgres dsn cannot be empty when store backend is postgres")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("redis addr cannot be empty when store backend is redis")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return errors.New("mongo uri cannot be empty when store backend is mongo")
		}
		if c.Store.MongoDB == "" {
			return errors.New("mongo db cannot be empty when store backend is mongo")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	return nil
}
