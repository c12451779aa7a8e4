package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/itemq/internal/clock"
	"github.com/SirClappington/itemq/internal/domain"
	"github.com/SirClappington/itemq/internal/metrics"
	"github.com/SirClappington/itemq/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store *storage.Memory
	clk   *clock.Fake
	reg   *Registry
}

func newHarness() *harness {
	clk := clock.NewFake(epoch)
	return &harness{
		store: storage.NewMemory(storage.WithClock(clk.Now)),
		clk:   clk,
		reg:   NewRegistry(),
	}
}

func (h *harness) controller(t *testing.T, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := DefaultConfig("worker-1")
	cfg.Handlers = h.reg
	cfg.Clock = h.clk.Now
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(h.store, cfg)
	require.NoError(t, err)
	return c
}

func (h *harness) enqueue(t *testing.T, typ domain.Type) *domain.Job {
	t.Helper()
	j, err := h.store.Enqueue(context.Background(), domain.NewJob{ItemID: "item-1", Type: typ})
	require.NoError(t, err)
	return j
}

func (h *harness) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig("w"))
	assert.Error(t, err)

	_, err = New(storage.NewMemory(), Config{})
	assert.Error(t, err)

	c, err := New(storage.NewMemory(), Config{WorkerID: "w"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
	assert.Equal(t, DefaultMaxAttempts, c.cfg.MaxAttempts)
	assert.NotNil(t, c.cfg.ShouldRetry)
	assert.NotNil(t, c.cfg.IsRateLimitError)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("test-worker")
	assert.Equal(t, "test-worker", cfg.WorkerID)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.NotNil(t, cfg.Handlers)
}

func TestPollOnce_Empty(t *testing.T) {
	h := newHarness()
	c := h.controller(t, nil)

	processed, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, c.Metrics().Processed)
}

func TestPollOnce_Success(t *testing.T) {
	h := newHarness()
	var seen domain.Job
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(_ context.Context, job domain.Job) error {
		seen = job
		return nil
	})
	c := h.controller(t, nil)
	j := h.enqueue(t, domain.TypeFetchExtract)
	completed := metrics.JobsProcessed.WithLabelValues(string(domain.TypeFetchExtract), metrics.OutcomeCompleted)
	before := testutil.ToFloat64(completed)

	processed, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, before+1, testutil.ToFloat64(completed))

	assert.Equal(t, j.ID, seen.ID)
	require.NotNil(t, seen.LockedBy)
	assert.Equal(t, "worker-1", *seen.LockedBy)

	done := h.get(t, j.ID)
	assert.Equal(t, domain.Completed, done.State)
	assert.Zero(t, done.Attempt)
	assert.Equal(t, Metrics{Processed: 1, Succeeded: 1}, c.Metrics())
}

func TestRetryThenComplete(t *testing.T) {
	h := newHarness()
	calls := 0
	h.reg.RegisterFunc(domain.TypeAITag, func(context.Context, domain.Job) error {
		calls++
		if calls == 1 {
			return &StatusError{Status: 503}
		}
		return nil
	})
	var schedules []domain.RetrySchedule
	c := h.controller(t, func(cfg *Config) {
		cfg.OnRetryScheduled = func(_ context.Context, _ domain.Job, next domain.RetrySchedule) {
			schedules = append(schedules, next)
		}
	})
	j := h.enqueue(t, domain.TypeAITag)

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	r := h.get(t, j.ID)
	assert.Equal(t, domain.Pending, r.State)
	assert.Equal(t, 1, r.Attempt)
	assert.True(t, epoch.Add(2*time.Minute).Equal(r.RunAfter))
	assert.Nil(t, r.LockedBy)
	require.Len(t, schedules, 1)
	assert.Equal(t, 2, schedules[0].DelayMinutes)
	assert.Equal(t, 1, schedules[0].Attempt)

	processed, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "job must wait for its backoff")

	h.clk.Advance(2 * time.Minute)
	processed, err = c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	done := h.get(t, j.ID)
	assert.Equal(t, domain.Completed, done.State)
	assert.Equal(t, 1, done.Attempt)
	assert.Equal(t, Metrics{Processed: 2, Succeeded: 1, Retried: 1}, c.Metrics())
}

func TestPermanentFailureAtCap(t *testing.T) {
	h := newHarness()
	var attempts []int
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(_ context.Context, job domain.Job) error {
		attempts = append(attempts, job.Attempt)
		return errors.New("upstream timeout")
	})
	var (
		delays    []int
		permanent []error
	)
	c := h.controller(t, func(cfg *Config) {
		cfg.OnRetryScheduled = func(_ context.Context, _ domain.Job, next domain.RetrySchedule) {
			delays = append(delays, next.DelayMinutes)
		}
		cfg.OnPermanentFailure = func(_ context.Context, _ domain.Job, err error) {
			permanent = append(permanent, err)
		}
	})
	j := h.enqueue(t, domain.TypeFetchExtract)

	for i := 0; i < 3; i++ {
		processed, err := c.PollOnce(context.Background())
		require.NoError(t, err)
		require.True(t, processed, "poll %d", i)
		h.clk.Advance(time.Hour)
	}

	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Equal(t, []int{2, 4}, delays)
	require.Len(t, permanent, 1)
	assert.EqualError(t, permanent[0], "upstream timeout")

	failed := h.get(t, j.ID)
	assert.Equal(t, domain.Failed, failed.State)
	assert.Equal(t, 2, failed.Attempt)
	require.NotNil(t, failed.LastErrorMessage)
	assert.Equal(t, "upstream timeout", *failed.LastErrorMessage)

	h.clk.Advance(24 * time.Hour)
	processed, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, Metrics{Processed: 3, Retried: 2, Failed: 1}, c.Metrics())
}

func TestUnknownJobTypeFailsImmediately(t *testing.T) {
	h := newHarness()
	var permanent error
	c := h.controller(t, func(cfg *Config) {
		cfg.ShouldRetry = func(domain.Job, error) bool { return true }
		cfg.OnPermanentFailure = func(_ context.Context, _ domain.Job, err error) { permanent = err }
	})
	j := h.enqueue(t, domain.Type("summarize"))

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	failed := h.get(t, j.ID)
	assert.Equal(t, domain.Failed, failed.State)
	assert.Zero(t, failed.Attempt)
	require.NotNil(t, failed.LastErrorMessage)
	assert.Contains(t, *failed.LastErrorMessage, "unknown job type")
	assert.ErrorIs(t, permanent, ErrUnknownJobType)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	h := newHarness()
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(context.Context, domain.Job) error {
		return &StatusError{Status: 404, Err: errors.New("item gone")}
	})
	c := h.controller(t, func(cfg *Config) { cfg.ShouldRetry = HTTPShouldRetry })
	j := h.enqueue(t, domain.TypeFetchExtract)

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)

	failed := h.get(t, j.ID)
	assert.Equal(t, domain.Failed, failed.State)
	assert.Equal(t, "status 404: item gone", *failed.LastErrorMessage)
}

func TestRateLimitedBackoff(t *testing.T) {
	h := newHarness()
	h.reg.RegisterFunc(domain.TypeAITag, func(context.Context, domain.Job) error {
		return &StatusError{Status: 429}
	})
	c := h.controller(t, func(cfg *Config) { cfg.ShouldRetry = HTTPShouldRetry })
	j := h.enqueue(t, domain.TypeAITag)

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	r := h.get(t, j.ID)
	assert.True(t, epoch.Add(5*time.Minute).Equal(r.RunAfter))

	h.clk.Advance(5 * time.Minute)
	_, err = c.PollOnce(context.Background())
	require.NoError(t, err)
	r = h.get(t, j.ID)
	assert.Equal(t, 2, r.Attempt)
	assert.True(t, h.clk.Now().Add(10*time.Minute).Equal(r.RunAfter))
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness()
	h.reg.RegisterFunc(domain.TypeAITag, func(context.Context, domain.Job) error {
		panic("nil map")
	})
	c := h.controller(t, nil)
	j := h.enqueue(t, domain.TypeAITag)

	processed, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	r := h.get(t, j.ID)
	assert.Equal(t, domain.Pending, r.State)
	assert.Equal(t, 1, r.Attempt)
	assert.Equal(t, "handler panic: nil map", *r.LastErrorMessage)
}

func TestLeaseExpiryRecovery(t *testing.T) {
	h := newHarness()
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(context.Context, domain.Job) error { return nil })
	j := h.enqueue(t, domain.TypeFetchExtract)

	// worker-a leases the job and dies without reporting.
	crashed, err := h.store.Acquire(context.Background(), "worker-a")
	require.NoError(t, err)
	require.NotNil(t, crashed)

	b := h.controller(t, func(cfg *Config) { cfg.WorkerID = "worker-b" })
	processed, err := b.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	h.clk.Advance(domain.DefaultLeaseTTL + time.Second)
	processed, err = b.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	done := h.get(t, j.ID)
	assert.Equal(t, domain.Completed, done.State)
	assert.Equal(t, "worker-b", *done.LockedBy)
}

type failingStore struct {
	storage.Store
	acquireErr  error
	completeErr error
}

func (f *failingStore) Acquire(ctx context.Context, workerID string) (*domain.Job, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.Store.Acquire(ctx, workerID)
}

func (f *failingStore) Complete(ctx context.Context, id string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Store.Complete(ctx, id)
}

func TestPollOnce_StoreErrorsPropagate(t *testing.T) {
	h := newHarness()
	h.reg.RegisterFunc(domain.TypeAITag, func(context.Context, domain.Job) error { return nil })
	h.enqueue(t, domain.TypeAITag)

	down := errors.New("connection refused")
	fs := &failingStore{Store: h.store, acquireErr: down}
	c, err := New(fs, Config{WorkerID: "w", Handlers: h.reg})
	require.NoError(t, err)

	_, err = c.PollOnce(context.Background())
	assert.ErrorIs(t, err, down)

	fs.acquireErr = nil
	fs.completeErr = down
	processed, err := c.PollOnce(context.Background())
	assert.True(t, processed)
	assert.ErrorIs(t, err, down)
	assert.Zero(t, c.Metrics().Succeeded)
}

type countingStore struct {
	storage.Store
	acquires atomic.Int64
}

func (c *countingStore) Acquire(ctx context.Context, workerID string) (*domain.Job, error) {
	c.acquires.Add(1)
	return c.Store.Acquire(ctx, workerID)
}

func TestStart_Idempotent(t *testing.T) {
	cs := &countingStore{Store: storage.NewMemory()}
	c, err := New(cs, Config{WorkerID: "w", PollInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())

	require.Eventually(t, func() bool { return cs.acquires.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return cs.acquires.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.IsRunning())
}

func TestStart_PollsOnInterval(t *testing.T) {
	h := newHarness()
	var done atomic.Int64
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(context.Context, domain.Job) error {
		done.Add(1)
		return nil
	})
	for i := 0; i < 3; i++ {
		h.enqueue(t, domain.TypeFetchExtract)
	}
	c := h.controller(t, func(cfg *Config) { cfg.PollInterval = 10 * time.Millisecond })

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	assert.Eventually(t, func() bool { return done.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestStart_WakeupTriggersPoll(t *testing.T) {
	h := newHarness()
	var done atomic.Int64
	h.reg.RegisterFunc(domain.TypeAITag, func(context.Context, domain.Job) error {
		done.Add(1)
		return nil
	})
	wake := make(chan struct{}, 1)
	c := h.controller(t, func(cfg *Config) {
		cfg.PollInterval = time.Hour
		cfg.Wakeups = wake
	})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	h.enqueue(t, domain.TypeAITag)
	wake <- struct{}{}
	assert.Eventually(t, func() bool { return done.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStart_ClosedWakeupsFallsBackToTicker(t *testing.T) {
	cs := &countingStore{Store: storage.NewMemory()}
	wake := make(chan struct{})
	close(wake)
	c, err := New(cs, Config{WorkerID: "w", PollInterval: time.Hour, Wakeups: wake})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	require.Eventually(t, func() bool { return cs.acquires.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return cs.acquires.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStop_DoesNotInterruptHandler(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(ctx context.Context, _ domain.Job) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	})
	j := h.enqueue(t, domain.TypeFetchExtract)
	c := h.controller(t, func(cfg *Config) { cfg.PollInterval = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	<-started
	cancel()

	var (
		wg      sync.WaitGroup
		stopErr error
		stopped atomic.Bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		stopErr = c.Stop(context.Background())
		stopped.Store(true)
	}()

	assert.Never(t, stopped.Load, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, stopErr)
	assert.NoError(t, handlerCtxErr)
	assert.Equal(t, domain.Completed, h.get(t, j.ID).State)
}

func TestStop_TimesOut(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	release := make(chan struct{})
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(context.Context, domain.Job) error {
		close(started)
		<-release
		return nil
	})
	h.enqueue(t, domain.TypeFetchExtract)
	c := h.controller(t, func(cfg *Config) { cfg.PollInterval = time.Hour })

	require.NoError(t, c.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)
	close(release)
}

func TestStart_RefusedUntilTimedOutStopDrains(t *testing.T) {
	h := newHarness()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int64
	h.reg.RegisterFunc(domain.TypeFetchExtract, func(context.Context, domain.Job) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		started <- struct{}{}
		<-release
		return nil
	})
	first := h.enqueue(t, domain.TypeFetchExtract)
	h.clk.Advance(time.Millisecond)
	h.enqueue(t, domain.TypeFetchExtract)
	c := h.controller(t, func(cfg *Config) { cfg.PollInterval = time.Hour })

	require.NoError(t, c.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, c.Start(context.Background()), ErrStopping)
	assert.False(t, c.IsRunning())

	close(release)
	require.Eventually(t, func() bool {
		return h.get(t, first.ID).State == domain.Completed
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.Start(context.Background()) == nil
	}, 2*time.Second, 5*time.Millisecond)
	defer c.Stop(context.Background())

	<-started
	assert.Equal(t, int64(1), maxInFlight.Load())
}
