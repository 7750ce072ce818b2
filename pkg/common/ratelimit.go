package common

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces out calls to a downstream system. Every Acquire returns at
// least the configured minimum interval after the previous Acquire returned,
// optionally preceded by a bounded random jitter so the arrival pattern does
// not look machine-generated.
type RateLimiter struct {
	mu      sync.RWMutex // Protects concurrent access to the limiter
	limiter *rate.Limiter
	jitter  time.Duration

	// jitterFn returns a duration in [0, max). Replaced in tests.
	jitterFn func(max time.Duration) time.Duration
}

// NewRateLimiter creates a RateLimiter that grants one acquisition per
// minInterval with no burst. A zero interval disables spacing.
func NewRateLimiter(minInterval, jitter time.Duration) *RateLimiter {
	return &RateLimiter{
		limiter:  rate.NewLimiter(intervalToLimit(minInterval), 1),
		jitter:   jitter,
		jitterFn: randomJitter,
	}
}

func intervalToLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Acquire blocks until the caller may proceed or the context is canceled.
// Jitter is applied before the token wait so the minimum spacing between
// returns is never eroded by it.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if d := rl.jitterFn(rl.jitter); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return rl.limiter.Wait(ctx)
}

// UpdateInterval adjusts the minimum interval at runtime, e.g. when the
// target site starts pushing back.
func (rl *RateLimiter) UpdateInterval(minInterval time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(intervalToLimit(minInterval))
}

// NoopLimiter never blocks. Used when lookups are local.
type NoopLimiter struct{}

// Acquire returns immediately unless the context is already done.
func (NoopLimiter) Acquire(ctx context.Context) error { return ctx.Err() }
