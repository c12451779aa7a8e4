package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		attempt     int
		rateLimited bool
		wantMinutes int
	}{
		{name: "first retry", attempt: 0, wantMinutes: 2},
		{name: "second retry", attempt: 1, wantMinutes: 4},
		{name: "third retry", attempt: 2, wantMinutes: 8},
		{name: "rate limited first", attempt: 0, rateLimited: true, wantMinutes: 5},
		{name: "rate limited second", attempt: 1, rateLimited: true, wantMinutes: 10},
		{name: "rate limited fourth", attempt: 3, rateLimited: true, wantMinutes: 40},
		{name: "negative attempt", attempt: -4, wantMinutes: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(now, tt.attempt, tt.rateLimited)
			assert.Equal(t, tt.wantMinutes, got.DelayMinutes)
			assert.Equal(t, now.Add(time.Duration(tt.wantMinutes)*time.Minute), got.RunAfter)
			assert.Equal(t, time.Duration(tt.wantMinutes)*time.Minute, got.Delay())
		})
	}
}

func TestPolicy_CustomBase(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{BaseMinutes: 1, RateLimitedBaseMinutes: 3}

	assert.Equal(t, 4, p.Compute(now, 2, false).DelayMinutes)
	assert.Equal(t, 12, p.Compute(now, 2, true).DelayMinutes)
}

func TestPolicy_ZeroValueUsesDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var p Policy

	assert.Equal(t, Compute(now, 2, false), p.Compute(now, 2, false))
	assert.Equal(t, Compute(now, 1, true), p.Compute(now, 1, true))
}

func TestCompute_Deterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, Compute(now, 3, false), Compute(now, 3, false))
}

func TestCompute_SaturatesInsteadOfOverflowing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 2<<20, Compute(now, 20, false).DelayMinutes)

	for _, attempt := range []int{27, 62, 63, 1000} {
		got := Compute(now, attempt, false)
		assert.Equal(t, MaxDelayMinutes, got.DelayMinutes, "attempt %d", attempt)
		assert.True(t, got.RunAfter.After(now), "attempt %d", attempt)
		assert.Positive(t, got.Delay(), "attempt %d", attempt)
	}

	huge := Policy{BaseMinutes: math.MaxInt}
	assert.Equal(t, MaxDelayMinutes, huge.Compute(now, 0, false).DelayMinutes)
}
