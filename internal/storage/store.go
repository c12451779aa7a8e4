// Package storage owns the persisted jobs table.
//
// Every operation is a single atomic unit against the backing store. Acquire
// is the only contended path: it selects the oldest eligible job and leases it
// in one read-modify-write, so two workers can never both lease the same row.
// Postgres does this with FOR UPDATE SKIP LOCKED, SQLite with a conditional
// UPDATE used as a compare-and-swap, and the in-memory store with a mutex.
package storage

import (
	"context"
	stderrors "errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/domain"
)

var ErrNotFound = stderrors.New("job not found")

// Store is the job store contract shared by all backends.
type Store interface {
	// Acquire leases the oldest eligible job to workerID. It returns (nil, nil)
	// when nothing is leasable.
	Acquire(ctx context.Context, workerID string) (*domain.Job, error)
	// Complete marks a job completed. Completing a terminal job is a no-op.
	Complete(ctx context.Context, id string) error
	// Fail marks a job permanently failed with message.
	Fail(ctx context.Context, id, message string) error
	// Retry stores the next attempt and eligibility time and releases the lease.
	Retry(ctx context.Context, id string, next domain.RetrySchedule) error

	Enqueue(ctx context.Context, nj domain.NewJob) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, f Filter) ([]domain.Job, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Close() error
}

// Filter narrows List. Zero values mean no constraint; Limit defaults to 100.
type Filter struct {
	State domain.State
	Type  domain.Type
	// LeasableAt keeps only jobs Acquire could lease at that instant.
	LeasableAt time.Time
	Limit      int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

type options struct {
	clock    func() time.Time
	leaseTTL time.Duration
	log      *zap.Logger
}

type Option func(*options)

// WithClock overrides the time source used for leases and audit columns.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func buildOptions(name string, opts []Option) options {
	o := options{
		clock:    time.Now,
		leaseTTL: domain.DefaultLeaseTTL,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.Named("store").With(zap.String("driver", name))
	return o
}

func (o options) now() time.Time { return o.clock().UTC() }

const maxErrorLen = 500

// truncateError bounds the diagnostic stored in last_error_message. The
// result is always valid UTF-8: invalid bytes become '?' and the cut never
// splits a rune.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "?")
	if len(msg) <= maxErrorLen {
		return msg
	}
	n := maxErrorLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

func validateNewJob(nj domain.NewJob) error {
	if nj.ItemID == "" {
		return stderrors.New("item_id is required")
	}
	if nj.Type == "" {
		return stderrors.New("type is required")
	}
	return nil
}
