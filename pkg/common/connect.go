package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/event-enricher/pkg/common/logger"
)

// ConnectWithRetry runs connect with exponential backoff until it succeeds,
// the context is canceled, or maxElapsed passes. It exists to ride out
// collaborators (mongo, postgres, kafka) that are still starting when a
// pipeline run begins.
func ConnectWithRetry(
	ctx context.Context,
	name string,
	log *logger.Logger,
	maxElapsed time.Duration,
	connect func(ctx context.Context) error,
) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error { return connect(ctx) }
	notify := func(err error, next time.Duration) {
		log.Warn(ctx, "connection attempt failed, will retry",
			"collaborator", name,
			"retry_in", next.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	return nil
}
