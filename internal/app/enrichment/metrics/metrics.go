// Package metrics provides the OpenTelemetry instruments for the batch
// enrichment engine.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

// Engine implements the metrics used by the scheduler and retry manager.
type Engine struct {
	pipeline attribute.KeyValue

	keysSucceeded     metric.Int64Counter
	keysFailed        metric.Int64Counter
	retries           metric.Int64Counter
	recovered         metric.Int64Counter
	checkpointCommits metric.Int64Counter

	batchDuration  metric.Float64Histogram
	lookupDuration metric.Float64Histogram

	keysRemaining metric.Int64Gauge

	eventsPublished metric.Int64Counter
	publishErrors   metric.Int64Counter
}

const namespace = "enrichment"

// New creates the engine instruments, labelled with the pipeline name.
func New(mp metric.MeterProvider, pipeline string) (*Engine, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	e := &Engine{pipeline: attribute.String("pipeline", pipeline)}
	var err error

	if e.keysSucceeded, err = meter.Int64Counter(
		"keys_succeeded_total",
		metric.WithDescription("Total number of work keys enriched successfully"),
	); err != nil {
		return nil, err
	}

	if e.keysFailed, err = meter.Int64Counter(
		"keys_failed_total",
		metric.WithDescription("Total number of work keys that terminally failed"),
	); err != nil {
		return nil, err
	}

	if e.retries, err = meter.Int64Counter(
		"lookup_retries_total",
		metric.WithDescription("Total number of lookup retries after transient failures"),
	); err != nil {
		return nil, err
	}

	if e.recovered, err = meter.Int64Counter(
		"keys_recovered_total",
		metric.WithDescription("Total number of failed keys that succeeded in the retry-failed pass"),
	); err != nil {
		return nil, err
	}

	if e.checkpointCommits, err = meter.Int64Counter(
		"checkpoint_commits_total",
		metric.WithDescription("Total number of checkpoint commits"),
	); err != nil {
		return nil, err
	}

	if e.batchDuration, err = meter.Float64Histogram(
		"batch_duration_seconds",
		metric.WithDescription("Time taken to process and commit one batch"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if e.lookupDuration, err = meter.Float64Histogram(
		"lookup_duration_seconds",
		metric.WithDescription("Time taken by a single lookup attempt"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if e.keysRemaining, err = meter.Int64Gauge(
		"keys_remaining",
		metric.WithDescription("Number of work keys without a terminal outcome"),
	); err != nil {
		return nil, err
	}

	if e.eventsPublished, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of progress events published"),
	); err != nil {
		return nil, err
	}

	if e.publishErrors, err = meter.Int64Counter(
		"event_publish_errors_total",
		metric.WithDescription("Total number of progress events that could not be published"),
	); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) IncKeysSucceeded(ctx context.Context, n int) {
	e.keysSucceeded.Add(ctx, int64(n), metric.WithAttributes(e.pipeline))
}

func (e *Engine) IncKeysFailed(ctx context.Context, kind enrichment.ErrorKind, n int) {
	e.keysFailed.Add(ctx, int64(n), metric.WithAttributes(e.pipeline, attribute.String("kind", kind.String())))
}

func (e *Engine) IncRetries(ctx context.Context) {
	e.retries.Add(ctx, 1, metric.WithAttributes(e.pipeline))
}

func (e *Engine) IncRecovered(ctx context.Context, n int) {
	e.recovered.Add(ctx, int64(n), metric.WithAttributes(e.pipeline))
}

func (e *Engine) IncCheckpointCommits(ctx context.Context) {
	e.checkpointCommits.Add(ctx, 1, metric.WithAttributes(e.pipeline))
}

func (e *Engine) ObserveBatchDuration(ctx context.Context, d time.Duration) {
	e.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(e.pipeline))
}

func (e *Engine) ObserveLookupDuration(ctx context.Context, d time.Duration) {
	e.lookupDuration.Record(ctx, d.Seconds(), metric.WithAttributes(e.pipeline))
}

func (e *Engine) SetKeysRemaining(ctx context.Context, n int) {
	e.keysRemaining.Record(ctx, int64(n), metric.WithAttributes(e.pipeline))
}

func (e *Engine) IncMessagePublished(ctx context.Context, topic string) {
	e.eventsPublished.Add(ctx, 1, metric.WithAttributes(e.pipeline, attribute.String("topic", topic)))
}

func (e *Engine) IncPublishError(ctx context.Context, topic string) {
	e.publishErrors.Add(ctx, 1, metric.WithAttributes(e.pipeline, attribute.String("topic", topic)))
}
