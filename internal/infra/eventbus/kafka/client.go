// Package kafka publishes enrichment progress events to Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/event-enricher/pkg/common/logger"
)

// ClientConfig contains the settings for the notifier's producer.
type ClientConfig struct {
	Brokers  []string
	ClientID string
	// Topic receives both batch and run events; the event type is carried
	// in a header.
	Topic string
}

// NewProducerConfig returns the sarama configuration used by the notifier.
// Events are keyed by run id so one run's events stay ordered on a single
// partition.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Version = sarama.V3_6_0_0
	return config
}

// ConnectProducer creates a sync producer, retrying with exponential backoff
// for up to a minute while the brokers come up.
func ConnectProducer(cfg *ClientConfig, log *logger.Logger) (sarama.SyncProducer, error) {
	var producer sarama.SyncProducer

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn(context.Background(), "kafka not reachable, retrying", "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(operation, expBackoff, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}
	return producer, nil
}
