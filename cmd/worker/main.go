package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/itemq/internal/app"
	"github.com/SirClappington/itemq/internal/config"
	"github.com/SirClappington/itemq/internal/domain"
	"github.com/SirClappington/itemq/internal/handlers"
	"github.com/SirClappington/itemq/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Setup(ctx, cfg, "worker")
	if err != nil {
		panic(err)
	}
	log := deps.Log

	reg := registry(cfg, log)
	if len(reg.Types()) == 0 {
		log.Warn("no handler URLs configured; every job will fail as an unknown type")
	}

	notifier := deps.Notifier()
	controllers := make([]*worker.Controller, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		wc := worker.DefaultConfig(fmt.Sprintf("%s-%d", cfg.WorkerID, i))
		wc.PollInterval = cfg.PollInterval
		wc.MaxAttempts = cfg.MaxAttempts
		wc.Handlers = reg
		wc.ShouldRetry = worker.HTTPShouldRetry
		wc.Logger = log
		wc.OnRetryScheduled = func(ctx context.Context, job domain.Job, next domain.RetrySchedule) {
			if err := notifier.WakeAt(ctx, job.ID, next.RunAfter); err != nil {
				log.Warn("retry wakeup not published", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		wc.OnPermanentFailure = func(_ context.Context, job domain.Job, err error) {
			log.Error("job dead-lettered",
				zap.String("job_id", job.ID),
				zap.String("item_id", job.ItemID),
				zap.String("job_type", string(job.Type)),
				zap.Error(err))
		}
		if deps.Queue != nil {
			wc.Wakeups = deps.Queue.Subscribe(ctx, cfg.PollInterval)
		}

		c, err := worker.New(deps.Store, wc)
		if err != nil {
			log.Fatal("build controller", zap.Error(err))
		}
		controllers = append(controllers, c)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	// Controllers are stopped explicitly below so Stop can wait for in-flight jobs.
	for _, c := range controllers {
		if err := c.Start(context.Background()); err != nil {
			log.Fatal("start controller", zap.Error(err))
		}
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs error
		var sg errgroup.Group
		for _, c := range controllers {
			c := c
			sg.Go(func() error { return c.Stop(sctx) })
		}
		errs = multierr.Append(errs, sg.Wait())
		errs = multierr.Append(errs, metricsSrv.Shutdown(sctx))
		return errs
	})

	if err := g.Wait(); err != nil {
		log.Error("worker exited with error", zap.Error(err))
	}
	for _, c := range controllers {
		m := c.Metrics()
		log.Info("worker totals",
			zap.Int64("processed", m.Processed),
			zap.Int64("succeeded", m.Succeeded),
			zap.Int64("retried", m.Retried),
			zap.Int64("failed", m.Failed))
	}
	if err := deps.Close(); err != nil {
		log.Error("close", zap.Error(err))
	}
}

func registry(cfg config.Config, log *zap.Logger) *worker.Registry {
	reg := worker.NewRegistry()
	for typ, url := range map[domain.Type]string{
		domain.TypeFetchExtract: cfg.FetchExtractURL,
		domain.TypeAITag:        cfg.AITagURL,
	} {
		if url == "" {
			continue
		}
		reg.Register(typ, handlers.NewWebhook(handlers.WebhookConfig{
			URL:        url,
			Timeout:    cfg.HandlerTimeout,
			RatePerSec: cfg.HandlerRatePerSec,
			Logger:     log,
		}))
	}
	return reg
}
