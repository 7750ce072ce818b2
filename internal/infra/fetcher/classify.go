// Package fetcher holds what the page fetchers share.
package fetcher

import (
	"fmt"
	"net/http"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
)

// UserAgent is sent by every fetcher so pages render their desktop layout.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// StatusError maps a non-2xx HTTP status to a lookup failure. It returns nil
// for success codes.
func StatusError(url string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}

	err := fmt.Errorf("GET %s: unexpected status %d %s", url, status, http.StatusText(status))
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return enrichment.NewPermanentError(enrichment.ReasonNotFound, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return enrichment.NewPermanentError(enrichment.ReasonUnauthorized, err)
	case status == http.StatusTooManyRequests:
		return enrichment.NewTransientError(enrichment.ReasonRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return enrichment.NewTransientError(enrichment.ReasonTimeout, err)
	case status >= 500:
		return enrichment.NewTransientError(enrichment.ReasonUnavailable, err)
	default:
		return enrichment.NewPermanentError(enrichment.ReasonUnknown, err)
	}
}
