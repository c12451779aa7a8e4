// Package config loads process configuration from the environment, reading
// an optional .env file first.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"sqlite"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"itemq.db"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"itemq"`

	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	WorkerID     string        `env:"WORKER_ID"`
	WorkerCount  int           `env:"WORKER_COUNT" envDefault:"1"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	LeaseTTL     time.Duration `env:"LEASE_TTL" envDefault:"5m"`

	FetchExtractURL   string        `env:"HANDLER_FETCH_EXTRACT_URL"`
	AITagURL          string        `env:"HANDLER_AI_TAG_URL"`
	HandlerTimeout    time.Duration `env:"HANDLER_TIMEOUT" envDefault:"2m"`
	HandlerRatePerSec float64       `env:"HANDLER_RATE_PER_SEC" envDefault:"5"`

	SchedulerTick    time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	SchedulerLockKey int64         `env:"SCHEDULER_LOCK_KEY" envDefault:"42"`
	SchedulerBatch   int           `env:"SCHEDULER_BATCH" envDefault:"200"`
	ReconcileEvery   time.Duration `env:"SCHEDULER_RECONCILE_INTERVAL" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads .env when present and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c, c.Validate()
}

func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres driver")
		}
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("MAX_ATTEMPTS must be positive")
	}
	if c.LeaseTTL <= 0 {
		return errors.New("LEASE_TTL must be positive")
	}
	if c.WorkerCount <= 0 {
		return errors.New("WORKER_COUNT must be positive")
	}
	return nil
}
