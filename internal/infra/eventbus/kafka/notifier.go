package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

// Event types, sent in the HeaderEventType header.
const (
	EventTypeBatchCommitted = "enrichment.batch_committed"
	EventTypeRunFinished    = "enrichment.run_finished"

	HeaderEventType = "event-type"
)

// NotifierMetrics tracks publishing outcomes.
type NotifierMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// Notifier publishes committed batches and finished runs. Events are only
// published after the checkpoint commit, so consumers never see progress
// that could be rolled back.
type Notifier struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	metrics NotifierMetrics
	tracer  trace.Tracer
}

// NewNotifier returns a Notifier writing to topic. metrics may be nil.
func NewNotifier(producer sarama.SyncProducer, topic string, logger *logger.Logger, metrics NotifierMetrics, tracer trace.Tracer) *Notifier {
	return &Notifier{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_notifier", "topic", topic),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// BatchCommitted publishes evt keyed by its run id.
func (n *Notifier) BatchCommitted(ctx context.Context, evt enrichment.BatchCommitted) error {
	return n.publish(ctx, EventTypeBatchCommitted, evt.RunID, evt)
}

// RunFinished publishes the run summary keyed by its run id.
func (n *Notifier) RunFinished(ctx context.Context, summary enrichment.Summary) error {
	return n.publish(ctx, EventTypeRunFinished, summary.RunID, summary)
}

func (n *Notifier) publish(ctx context.Context, eventType, key string, payload any) error {
	ctx, span := tracing.StartProducerSpan(ctx, n.topic, n.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", eventType),
		attribute.String("event.key", key),
	)

	value, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		n.incError(ctx)
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(eventType)},
		},
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		n.incError(ctx)
		return fmt.Errorf("failed to send %s to kafka topic %s: %w", eventType, n.topic, err)
	}

	if n.metrics != nil {
		n.metrics.IncMessagePublished(ctx, n.topic)
	}
	n.logger.Debug(ctx, "published event",
		"event_type", eventType,
		"partition", partition,
		"offset", offset,
		"key", key,
	)
	return nil
}

func (n *Notifier) incError(ctx context.Context) {
	if n.metrics != nil {
		n.metrics.IncPublishError(ctx, n.topic)
	}
}

// Close closes the producer.
func (n *Notifier) Close() error { return n.producer.Close() }
