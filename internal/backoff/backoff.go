// Package backoff maps a failed attempt to the time the job becomes eligible
// again. Delays grow as base * 2^attempt minutes; rate-limited failures use a
// larger base. There is no jitter: jobs failing together resume together.
package backoff

import (
	"math"
	"time"
)

const (
	DefaultBaseMinutes            = 2
	DefaultRateLimitedBaseMinutes = 5

	// MaxDelayMinutes is the longest delay a time.Duration can hold; growth
	// saturates there instead of overflowing.
	MaxDelayMinutes = int(math.MaxInt64 / time.Minute)
)

type Schedule struct {
	RunAfter     time.Time
	DelayMinutes int
}

// Delay returns the schedule's delay as a duration.
func (s Schedule) Delay() time.Duration { return time.Duration(s.DelayMinutes) * time.Minute }

type Policy struct {
	BaseMinutes            int
	RateLimitedBaseMinutes int
}

func Default() Policy {
	return Policy{
		BaseMinutes:            DefaultBaseMinutes,
		RateLimitedBaseMinutes: DefaultRateLimitedBaseMinutes,
	}
}

// Compute returns when a job that has made attempt prior attempts should run
// next. Negative attempts are treated as zero and the delay never exceeds
// MaxDelayMinutes.
func (p Policy) Compute(now time.Time, attempt int, rateLimited bool) Schedule {
	base := p.BaseMinutes
	if base <= 0 {
		base = DefaultBaseMinutes
	}
	if rateLimited {
		base = p.RateLimitedBaseMinutes
		if base <= 0 {
			base = DefaultRateLimitedBaseMinutes
		}
	}
	if attempt < 0 {
		attempt = 0
	}
	if base > MaxDelayMinutes {
		base = MaxDelayMinutes
	}
	delay := base
	for i := 0; i < attempt && delay < MaxDelayMinutes; i++ {
		if delay > MaxDelayMinutes/2 {
			delay = MaxDelayMinutes
			break
		}
		delay *= 2
	}
	return Schedule{
		RunAfter:     now.Add(time.Duration(delay) * time.Minute),
		DelayMinutes: delay,
	}
}

// Compute applies the default policy.
func Compute(now time.Time, attempt int, rateLimited bool) Schedule {
	return Default().Compute(now, attempt, rateLimited)
}
