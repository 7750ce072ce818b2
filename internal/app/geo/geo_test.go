package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

type fakeLocator map[string]Fields

func (f fakeLocator) Lookup(ip string) (Fields, error) {
	if ip == "not-an-ip" {
		return Fields{}, enrichment.NewPermanentError(enrichment.ReasonMalformedInput, errors.New("invalid ip"))
	}
	return f[ip], nil
}

func strPtr(s string) *string { return &s }

func TestOperation(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 30, 45, 500, time.UTC)
	locator := fakeLocator{
		"8.8.8.8": {CountryCode: strPtr("US"), CountryName: strPtr("United States of America")},
	}
	op := Operation(locator, timeutil.NewMock(now))
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		rec, err := op(ctx, enrichment.WorkItem{Key: "8.8.8.8"})
		require.NoError(t, err)

		loc := rec.(*enrichment.Location)
		assert.Equal(t, "8.8.8.8", loc.IPAddress)
		assert.Equal(t, "US", *loc.CountryCode)
		assert.Nil(t, loc.CityName)
		assert.True(t, loc.Matched)
		assert.Equal(t, now.Truncate(time.Second), loc.ProcessedAt)
	})

	t.Run("miss is still written", func(t *testing.T) {
		rec, err := op(ctx, enrichment.WorkItem{Key: "10.0.0.1"})
		require.NoError(t, err)
		assert.False(t, rec.(*enrichment.Location).Matched)
	})

	t.Run("invalid address is permanent", func(t *testing.T) {
		_, err := op(ctx, enrichment.WorkItem{Key: "not-an-ip"})
		kind, reason := enrichment.Classify(err)
		assert.Equal(t, enrichment.KindPermanent, kind)
		assert.Equal(t, enrichment.ReasonMalformedInput, reason)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := op(cctx, enrichment.WorkItem{Key: "8.8.8.8"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
