package enrichment

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// RetryPolicy bounds the work spent on a single key.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls made for a transient failure,
	// including the first.
	MaxAttempts int
	// BaseBackoff is the delay before the second attempt. Each further delay
	// doubles, up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout bounds a single call. Zero leaves the call unbounded.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with a one second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

type retryMetrics interface {
	IncRetries(ctx context.Context)
	ObserveLookupDuration(ctx context.Context, d time.Duration)
}

// retryState is scoped to one key and discarded once the key terminates.
type retryState struct {
	attempt   int
	lastErr   error
	nextDelay time.Duration
}

// RetryManager executes one unit of work with bounded attempts. Permanent
// failures return after a single call; transient ones are retried with
// exponential backoff until MaxAttempts is reached. A key that exhausts its
// attempts is reported as a *enrichment.KeyFailure, never as a run error.
type RetryManager struct {
	policy RetryPolicy

	retries atomic.Int64

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep        func(ctx context.Context, d time.Duration) error
	timeProvider timeutil.Provider

	logger  *logger.Logger
	metrics retryMetrics
	tracer  trace.Tracer
}

// NewRetryManager creates a RetryManager. Non-positive policy fields fall
// back to DefaultRetryPolicy.
func NewRetryManager(policy RetryPolicy, logger *logger.Logger, metrics retryMetrics, tracer trace.Tracer) *RetryManager {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = max(def.MaxBackoff, policy.BaseBackoff)
	}

	return &RetryManager{
		policy:       policy,
		sleep:        sleepContext,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "retry_manager"),
		metrics:      metrics,
		tracer:       tracer,
	}
}

// Retries returns the number of retries performed so far.
func (r *RetryManager) Retries() int64 { return r.retries.Load() }

func (r *RetryManager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseBackoff
	b.MaxInterval = r.policy.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Execute runs op for item. It returns the produced record, a
// *enrichment.KeyFailure when the key terminally failed, or the context error
// when the run was interrupted.
func (r *RetryManager) Execute(ctx context.Context, item enrichment.WorkItem, op enrichment.Operation) (enrichment.Record, error) {
	ctx, span := r.tracer.Start(ctx, "retry_manager.execute",
		trace.WithAttributes(attribute.String("work_key", item.Key.String())))
	defer span.End()

	b := r.newBackOff()
	var st retryState

	for {
		st.attempt++
		rec, err := r.attempt(ctx, item, op)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", st.attempt))
			span.SetStatus(codes.Ok, "")
			return rec, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			span.SetStatus(codes.Error, "interrupted")
			return nil, ctxErr
		}

		st.lastErr = err
		kind, reason := enrichment.Classify(err)
		if kind == enrichment.KindPermanent || st.attempt >= r.policy.MaxAttempts {
			span.RecordError(err)
			span.SetStatus(codes.Error, "key failed")
			span.SetAttributes(
				attribute.Int("attempts", st.attempt),
				attribute.String("error_kind", kind.String()),
			)
			return nil, &enrichment.KeyFailure{
				Key:      item.Key,
				Kind:     kind,
				Reason:   reason,
				Attempts: st.attempt,
				Err:      st.lastErr,
				FailedAt: r.timeProvider.Now(),
			}
		}

		st.nextDelay = b.NextBackOff()
		r.retries.Add(1)
		r.metrics.IncRetries(ctx)
		span.AddEvent("retrying", trace.WithAttributes(
			attribute.Int("attempt", st.attempt),
			attribute.String("delay", st.nextDelay.String()),
		))
		r.logger.Debug(ctx, "transient failure, retrying",
			"key", item.Key,
			"attempt", st.attempt,
			"max_attempts", r.policy.MaxAttempts,
			"reason", reason,
			"retry_in", st.nextDelay.String(),
			"error", err,
		)

		if err := r.sleep(ctx, st.nextDelay); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
}

func (r *RetryManager) attempt(ctx context.Context, item enrichment.WorkItem, op enrichment.Operation) (enrichment.Record, error) {
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}

	start := r.timeProvider.Now()
	defer func() { r.metrics.ObserveLookupDuration(ctx, r.timeProvider.Now().Sub(start)) }()

	rec, err := op(ctx, item)
	if err == nil && rec == nil {
		return nil, errors.New("operation returned neither record nor error")
	}
	return rec, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
