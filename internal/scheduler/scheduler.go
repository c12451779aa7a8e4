// Package scheduler keeps Redis wakeup hints in step with the jobs table.
//
// Each tick the leader promotes delayed hints that have come due and, less
// often, re-publishes hints for every leasable job so hints lost to a Redis
// restart or a crashed producer are recovered. Expired leases need no
// separate sweep: such jobs are leasable again and are picked up by the
// reconcile pass.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/storage"
)

// Hints is the subset of the Redis queue the scheduler drives.
type Hints interface {
	MoveDue(ctx context.Context, now time.Time, batch int64) (int, error)
	Wake(ctx context.Context, jobID string) error
}

// Locker elects a single leader among scheduler replicas.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error)
}

type Config struct {
	Tick           time.Duration
	ReconcileEvery time.Duration
	Batch          int
	LockKey        int64
	// Locker is nil for single-node stores; the process is then always leader.
	Locker Locker
	Clock  func() time.Time
	Logger *zap.Logger
}

type Result struct {
	Leader     bool
	Moved      int
	Reconciled int
}

type Scheduler struct {
	store storage.Store
	hints Hints
	cfg   Config
	log   *zap.Logger

	lastReconcile time.Time
}

func New(store storage.Store, hints Hints, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{store: store, hints: hints, cfg: cfg, log: cfg.Logger.Named("scheduler")}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting",
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("reconcile_every", s.cfg.ReconcileEvery))

	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-tick.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
				continue
			}
			if res.Moved > 0 || res.Reconciled > 0 {
				s.log.Debug("scheduler tick",
					zap.Int("moved", res.Moved),
					zap.Int("reconciled", res.Reconciled))
			}
		}
	}
}

// RunOnce performs one tick if this process holds the leader lock.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if s.cfg.Locker != nil {
		ok, release, err := s.cfg.Locker.TryAdvisoryLock(ctx, s.cfg.LockKey)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		defer release()
	}
	res.Leader = true

	now := s.cfg.Clock()
	var errs error
	moved, err := s.hints.MoveDue(ctx, now, int64(s.cfg.Batch))
	res.Moved = moved
	errs = multierr.Append(errs, err)

	if s.lastReconcile.IsZero() || now.Sub(s.lastReconcile) >= s.cfg.ReconcileEvery {
		n, err := s.reconcile(ctx, now)
		res.Reconciled = n
		if err == nil {
			s.lastReconcile = now
		}
		errs = multierr.Append(errs, err)
	}
	return res, errs
}

// reconcile publishes a hint for each job a worker could lease right now.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.store.List(ctx, storage.Filter{LeasableAt: now, Limit: s.cfg.Batch})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs error
	for _, j := range jobs {
		if err := s.hints.Wake(ctx, j.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}
