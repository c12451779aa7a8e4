// Package queue carries wakeup hints between producers and workers over Redis.
//
// The jobs table stays the source of truth. A hint only makes an idle worker
// poll before its next tick; a lost hint costs at most one poll interval.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/metrics"
)

// Notifier publishes wakeup hints for jobs.
type Notifier interface {
	// Wake signals that jobID is eligible now.
	Wake(ctx context.Context, jobID string) error
	// WakeAt signals that jobID becomes eligible at runAt.
	WakeAt(ctx context.Context, jobID string, runAt time.Time) error
}

// maxReady bounds the ready list; hints beyond it carry no extra information.
const maxReady = 1000

type RedisQ struct {
	rdb *r.Client
	ns  string
	log *zap.Logger
}

var _ Notifier = (*RedisQ)(nil)

func New(rdb *r.Client, namespace string, log *zap.Logger) *RedisQ {
	if namespace == "" {
		namespace = "itemq"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQ{rdb: rdb, ns: namespace, log: log.Named("queue")}
}

func (q *RedisQ) readyKey() string { return q.ns + ":ready" }
func (q *RedisQ) delayKey() string { return q.ns + ":delay" }

func (q *RedisQ) Wake(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.readyKey(), jobID)
	pipe.LTrim(ctx, q.readyKey(), 0, maxReady-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("wake %s: %w", jobID, err)
	}
	metrics.Wakeups.WithLabelValues("ready").Inc()
	return nil
}

func (q *RedisQ) WakeAt(ctx context.Context, jobID string, runAt time.Time) error {
	if time.Until(runAt) <= 0 {
		return q.Wake(ctx, jobID)
	}
	err := q.rdb.ZAdd(ctx, q.delayKey(), r.Z{Score: float64(runAt.Unix()), Member: jobID}).Err()
	if err != nil {
		return fmt.Errorf("wake %s at %s: %w", jobID, runAt, err)
	}
	metrics.Wakeups.WithLabelValues("delayed").Inc()
	return nil
}

// MoveDue promotes up to batch delayed hints whose time has come to the
// ready list and reports how many were moved.
func (q *RedisQ) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayKey(), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.readyKey(), id)
		pipe.ZRem(ctx, q.delayKey(), id)
	}
	pipe.LTrim(ctx, q.readyKey(), 0, maxReady-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("move due: %w", err)
	}
	metrics.Wakeups.WithLabelValues("moved").Add(float64(len(ids)))
	return len(ids), nil
}

// Subscribe pops hints with BRPOP until ctx is done. Each hint becomes a
// non-blocking send on the returned channel, so bursts coalesce into one poll.
func (q *RedisQ) Subscribe(ctx context.Context, block time.Duration) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			_, err := q.rdb.BRPop(ctx, block, q.readyKey()).Result()
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, r.Nil):
				continue
			case err != nil:
				q.log.Warn("wakeup receive failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}

// Nop is used when no Redis is configured.
type Nop struct{}

func (Nop) Wake(context.Context, string) error              { return nil }
func (Nop) WakeAt(context.Context, string, time.Time) error { return nil }
