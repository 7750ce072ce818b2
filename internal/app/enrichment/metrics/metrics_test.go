package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

func TestEngineRecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(mp, "geo")
	require.NoError(t, err)

	ctx := context.Background()
	m.IncKeysSucceeded(ctx, 3)
	m.IncKeysFailed(ctx, enrichment.KindPermanent, 1)
	m.IncRetries(ctx)
	m.IncRetries(ctx)
	m.IncCheckpointCommits(ctx)
	m.ObserveBatchDuration(ctx, 250*time.Millisecond)
	m.SetKeysRemaining(ctx, 7)
	m.IncMessagePublished(ctx, "progress")
	m.IncPublishError(ctx, "progress")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := make(map[string]int64)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if s, ok := m.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range s.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(3), sums["keys_succeeded_total"])
	assert.Equal(t, int64(1), sums["keys_failed_total"])
	assert.Equal(t, int64(2), sums["lookup_retries_total"])
	assert.Equal(t, int64(1), sums["checkpoint_commits_total"])
	assert.Equal(t, int64(1), sums["events_published_total"])
	assert.Equal(t, int64(1), sums["event_publish_errors_total"])
}
