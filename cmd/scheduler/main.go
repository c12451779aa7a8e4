package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/app"
	"github.com/SirClappington/itemq/internal/config"
	"github.com/SirClappington/itemq/internal/scheduler"
	"github.com/SirClappington/itemq/internal/storage"
)

func main() {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Setup(ctx, cfg, "scheduler")
	if err != nil {
		panic(err)
	}
	log := deps.Log
	defer func() {
		if err := deps.Close(); err != nil {
			log.Error("close", zap.Error(err))
		}
	}()

	if deps.Queue == nil {
		log.Info("REDIS_ADDR unset; workers poll on their interval and no scheduler is needed")
		return
	}

	scfg := scheduler.Config{
		Tick:           cfg.SchedulerTick,
		ReconcileEvery: cfg.ReconcileEvery,
		Batch:          cfg.SchedulerBatch,
		LockKey:        cfg.SchedulerLockKey,
		Logger:         log,
	}
	// Only Postgres is shared between hosts; elect a leader there.
	if pg, ok := deps.Store.(*storage.Postgres); ok {
		scfg.Locker = pg
	}
	if err := scheduler.New(deps.Store, deps.Queue, scfg).Run(ctx); err != nil {
		log.Error("scheduler exited with error", zap.Error(err))
	}
}
