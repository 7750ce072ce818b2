package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

type countingMetrics struct {
	published, failed int
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.published++ }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.failed++ }

func TestNotifierPublishesBatchCommitted(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig("test"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "enrichment-progress" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "run-1" {
			return errors.New("wrong key " + string(key))
		}
		if len(msg.Headers) == 0 || string(msg.Headers[0].Value) != EventTypeBatchCommitted {
			return errors.New("missing event type header")
		}
		return nil
	})

	metrics := new(countingMetrics)
	n := NewNotifier(producer, "enrichment-progress", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	defer n.Close()

	err := n.BatchCommitted(context.Background(), enrichment.BatchCommitted{
		Pipeline:  "geo",
		RunID:     "run-1",
		Batch:     3,
		LastIndex: 2999,
		TotalKeys: 10000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.published)
}

func TestNotifierEncodesSummary(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig("test"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var got enrichment.Summary
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.State != enrichment.RunStateCompleted || got.Succeeded != 9 {
			return errors.New("unexpected summary payload")
		}
		return nil
	})

	n := NewNotifier(producer, "enrichment-progress", logger.Noop(), nil, noop.NewTracerProvider().Tracer("test"))
	defer n.Close()

	err := n.RunFinished(context.Background(), enrichment.Summary{
		Pipeline:  "product",
		RunID:     "run-2",
		State:     enrichment.RunStateCompleted,
		Total:     10,
		Succeeded: 9,
	})
	require.NoError(t, err)
}

func TestNotifierSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig("test"))
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	metrics := new(countingMetrics)
	n := NewNotifier(producer, "enrichment-progress", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	defer n.Close()

	err := n.RunFinished(context.Background(), enrichment.Summary{RunID: "run-3"})
	require.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	assert.Equal(t, 1, metrics.failed)
}
