package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		status     int
		wantKind   enrichment.ErrorKind
		wantReason enrichment.Reason
	}{
		{404, enrichment.KindPermanent, enrichment.ReasonNotFound},
		{410, enrichment.KindPermanent, enrichment.ReasonNotFound},
		{401, enrichment.KindPermanent, enrichment.ReasonUnauthorized},
		{403, enrichment.KindPermanent, enrichment.ReasonUnauthorized},
		{429, enrichment.KindTransient, enrichment.ReasonRateLimited},
		{504, enrichment.KindTransient, enrichment.ReasonTimeout},
		{502, enrichment.KindTransient, enrichment.ReasonUnavailable},
		{503, enrichment.KindTransient, enrichment.ReasonUnavailable},
		{400, enrichment.KindPermanent, enrichment.ReasonUnknown},
	}

	for _, tt := range tests {
		kind, reason := enrichment.Classify(StatusError("https://example.test", tt.status))
		assert.Equal(t, tt.wantKind, kind, tt.status)
		assert.Equal(t, tt.wantReason, reason, tt.status)
	}

	assert.NoError(t, StatusError("https://example.test", 200))
	assert.NoError(t, StatusError("https://example.test", 204))
}
