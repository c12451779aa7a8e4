// Package worker runs the polling loop that leases jobs, dispatches them to
// registered handlers and records the outcome.
//
// A Controller executes at most one job at a time. Parallelism comes from
// running several controllers, in one process or many, against the same
// store; the store's Acquire guarantees they never share a live lease.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/backoff"
	"github.com/SirClappington/itemq/internal/domain"
	"github.com/SirClappington/itemq/internal/metrics"
	"github.com/SirClappington/itemq/internal/storage"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 3
)

// Config configures a Controller. Zero-valued optional fields take defaults.
type Config struct {
	// WorkerID identifies the lease holder. Required.
	WorkerID string
	// PollInterval is the fixed polling cadence (default 5s).
	PollInterval time.Duration
	// MaxAttempts counts the first execution; reaching it fails the job (default 3).
	MaxAttempts int
	Handlers    *Registry

	// ShouldRetry decides whether a handler error may be retried (default: always).
	ShouldRetry func(job domain.Job, err error) bool
	// IsRateLimitError selects the longer backoff base (default: status 429).
	IsRateLimitError func(err error) bool

	OnPermanentFailure func(ctx context.Context, job domain.Job, err error)
	OnRetryScheduled   func(ctx context.Context, job domain.Job, next domain.RetrySchedule)

	Backoff backoff.Policy
	Clock   func() time.Time
	Logger  *zap.Logger

	// Wakeups, when set, triggers an extra poll between ticks.
	Wakeups <-chan struct{}
}

func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:     workerID,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		Handlers:     NewRegistry(),
	}
}

// Controller owns one polling loop and its lifecycle.
type Controller struct {
	store storage.Store
	cfg   Config
	log   *zap.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	processed atomic.Int64
	succeeded atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

func New(store storage.Store, cfg Config) (*Controller, error) {
	if store == nil {
		return nil, errors.New("worker: store is required")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("worker: WorkerID is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Handlers == nil {
		cfg.Handlers = NewRegistry()
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	if cfg.IsRateLimitError == nil {
		cfg.IsRateLimitError = DefaultIsRateLimitError
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Controller{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.Named("controller").With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// ErrStopping is returned by Start while a previous loop is still finishing
// its in-flight job.
var ErrStopping = errors.New("worker: previous loop still running")

// Start polls once immediately and then on every tick until Stop is called or
// ctx is cancelled. Starting a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.stoppedCh != nil {
		select {
		case <-c.stoppedCh:
		default:
			c.mu.Unlock()
			return ErrStopping
		}
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.Unlock()

	c.log.Info("worker starting",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Int("max_attempts", c.cfg.MaxAttempts),
		zap.Any("types", c.cfg.Handlers.Types()))

	go c.run(ctx, stopCh, stoppedCh)
	return nil
}

// Stop halts polling. An executing handler is not interrupted; Stop waits for
// it until ctx is done. After a timed-out Stop, Start fails with ErrStopping
// until that handler returns.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	stoppedCh := c.stoppedCh
	c.mu.Unlock()

	select {
	case <-stoppedCh:
		c.log.Info("worker stopped")
		return nil
	case <-ctx.Done():
		c.log.Warn("worker stop timed out with a job in flight")
		return ctx.Err()
	}
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) run(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	wakeups := c.cfg.Wakeups

	c.tick(ctx, stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			c.mu.Lock()
			if c.stopCh == stopCh {
				c.running = false
			}
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.tick(ctx, stopCh)
		case _, ok := <-wakeups:
			if !ok {
				wakeups = nil
				continue
			}
			c.tick(ctx, stopCh)
		}
	}
}

func (c *Controller) tick(ctx context.Context, stopCh chan struct{}) {
	select {
	case <-stopCh:
		return
	case <-ctx.Done():
		return
	default:
	}
	if _, err := c.PollOnce(ctx); err != nil {
		c.log.Error("poll cycle failed", zap.Error(err))
	}
}

// PollOnce runs one acquire-dispatch-record cycle. It reports whether a job
// was leased. Handler failures are resolved into retry or permanent failure;
// only store errors are returned.
func (c *Controller) PollOnce(ctx context.Context) (bool, error) {
	job, err := c.store.Acquire(ctx, c.cfg.WorkerID)
	if err != nil {
		metrics.AcquireErrors.Inc()
		return false, fmt.Errorf("acquire: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, c.execute(ctx, *job)
}

func (c *Controller) execute(ctx context.Context, job domain.Job) error {
	log := c.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("item_id", job.ItemID),
		zap.Int("attempt", job.Attempt))
	log.Debug("job leased")

	// Handlers run to completion even if polling is stopped or ctx is cancelled.
	hctx := context.WithoutCancel(ctx)

	start := time.Now()
	var herr error
	h, ok := c.cfg.Handlers.Lookup(job.Type)
	if !ok {
		herr = fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	} else {
		herr = invoke(hctx, h, job)
		metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	}

	if herr == nil {
		if err := c.store.Complete(hctx, job.ID); err != nil {
			metrics.StoreErrors.WithLabelValues("complete").Inc()
			return fmt.Errorf("complete %s: %w", job.ID, err)
		}
		c.succeeded.Add(1)
		c.processed.Add(1)
		metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeCompleted).Inc()
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		return nil
	}

	nextAttempt := job.Attempt + 1
	canRetry := !errors.Is(herr, ErrUnknownJobType) &&
		c.cfg.ShouldRetry(job, herr) &&
		nextAttempt < c.cfg.MaxAttempts

	if canRetry {
		sched := c.cfg.Backoff.Compute(c.cfg.Clock(), job.Attempt, c.cfg.IsRateLimitError(herr))
		next := domain.RetrySchedule{
			Attempt:      nextAttempt,
			RunAfter:     sched.RunAfter,
			DelayMinutes: sched.DelayMinutes,
			ErrorMessage: herr.Error(),
		}
		if err := c.store.Retry(hctx, job.ID, next); err != nil {
			metrics.StoreErrors.WithLabelValues("retry").Inc()
			return fmt.Errorf("retry %s: %w", job.ID, err)
		}
		c.retried.Add(1)
		c.processed.Add(1)
		metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeRetried).Inc()
		log.Warn("job retry scheduled",
			zap.Error(herr),
			zap.Int("next_attempt", nextAttempt),
			zap.Int("delay_minutes", sched.DelayMinutes),
			zap.Time("run_after", sched.RunAfter))
		if c.cfg.OnRetryScheduled != nil {
			c.cfg.OnRetryScheduled(hctx, job, next)
		}
		return nil
	}

	if err := c.store.Fail(hctx, job.ID, herr.Error()); err != nil {
		metrics.StoreErrors.WithLabelValues("fail").Inc()
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	c.failed.Add(1)
	c.processed.Add(1)
	metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeFailed).Inc()
	log.Error("job permanently failed", zap.Error(herr), zap.Int("attempts", nextAttempt))
	if c.cfg.OnPermanentFailure != nil {
		c.cfg.OnPermanentFailure(hctx, job, herr)
	}
	return nil
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// Metrics returns counters for jobs executed by this controller.
func (c *Controller) Metrics() Metrics {
	return Metrics{
		Processed: c.processed.Load(),
		Succeeded: c.succeeded.Load(),
		Retried:   c.retried.Load(),
		Failed:    c.failed.Load(),
	}
}

type Metrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}
