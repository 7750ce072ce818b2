package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterEnforcesMinimumInterval(t *testing.T) {
	const interval = 20 * time.Millisecond
	rl := NewRateLimiter(interval, 0)

	start := time.Now()
	for range 5 {
		require.NoError(t, rl.Acquire(context.Background()))
	}

	// Five acquisitions have four enforced gaps.
	assert.GreaterOrEqual(t, time.Since(start), 4*interval-time.Millisecond)
}

func TestRateLimiterGapIndependentOfCallerLatency(t *testing.T) {
	const interval = 20 * time.Millisecond
	rl := NewRateLimiter(interval, 0)

	require.NoError(t, rl.Acquire(context.Background()))
	last := time.Now()
	for range 3 {
		time.Sleep(5 * time.Millisecond) // simulated lookup shorter than the interval
		require.NoError(t, rl.Acquire(context.Background()))
		now := time.Now()
		assert.GreaterOrEqual(t, now.Sub(last), interval-2*time.Millisecond)
		last = now
	}
}

func TestRateLimiterJitterIsApplied(t *testing.T) {
	rl := NewRateLimiter(0, 50*time.Millisecond)
	var asked []time.Duration
	rl.jitterFn = func(max time.Duration) time.Duration {
		asked = append(asked, max)
		return 10 * time.Millisecond
	}

	start := time.Now()
	require.NoError(t, rl.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, asked)
}

func TestRateLimiterHonorsCancellation(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 0)
	require.NoError(t, rl.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Acquire(ctx))
}

func TestRandomJitterBounds(t *testing.T) {
	assert.Zero(t, randomJitter(0))
	for range 100 {
		d := randomJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}
}

func TestNoopLimiter(t *testing.T) {
	assert.NoError(t, NoopLimiter{}.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NoopLimiter{}.Acquire(ctx), context.Canceled)
}
