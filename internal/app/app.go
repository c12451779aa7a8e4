// Package app holds the process wiring shared by the binaries.
package app

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/config"
	"github.com/SirClappington/itemq/internal/logging"
	"github.com/SirClappington/itemq/internal/queue"
	"github.com/SirClappington/itemq/internal/storage"
)

// Deps are the long-lived resources a binary builds from Config.
type Deps struct {
	Cfg   config.Config
	Log   *zap.Logger
	Store storage.Store
	// Redis and Queue are nil when REDIS_ADDR is unset.
	Redis *r.Client
	Queue *queue.RedisQ
}

func Setup(ctx context.Context, cfg config.Config, name string) (*Deps, error) {
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("service", name))

	dsn := cfg.SQLitePath
	if cfg.StoreDriver == config.DriverPostgres {
		dsn = cfg.PostgresDSN
	}
	store, err := storage.Open(ctx, cfg.StoreDriver, dsn,
		storage.WithLeaseTTL(cfg.LeaseTTL),
		storage.WithLogger(log))
	if err != nil {
		return nil, err
	}

	d := &Deps{Cfg: cfg, Log: log, Store: store}
	if cfg.RedisAddr != "" {
		d.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.Redis.Ping(pctx).Err(); err != nil {
			log.Warn("redis unreachable; wakeups will be retried", zap.Error(err))
		}
		d.Queue = queue.New(d.Redis, cfg.RedisPrefix, log)
	}
	log.Info("store ready",
		zap.String("driver", cfg.StoreDriver),
		zap.Bool("redis", d.Redis != nil))
	return d, nil
}

// Notifier returns the Redis queue, or a no-op when Redis is not configured.
func (d *Deps) Notifier() queue.Notifier {
	if d.Queue == nil {
		return queue.Nop{}
	}
	return d.Queue
}

func (d *Deps) Close() error {
	var err error
	if d.Redis != nil {
		err = multierr.Append(err, d.Redis.Close())
	}
	err = multierr.Append(err, d.Store.Close())
	_ = d.Log.Sync()
	return err
}
