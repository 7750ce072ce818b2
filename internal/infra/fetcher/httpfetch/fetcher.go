// Package httpfetch fetches product pages with a plain HTTP client.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/app/product"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/fetcher"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// DefaultMaxBodyBytes caps how much of a page is read.
const DefaultMaxBodyBytes = 8 << 20

var _ product.PageFetcher = (*Fetcher)(nil)

// Fetcher issues GET requests with browser-like headers.
type Fetcher struct {
	client       *http.Client
	maxBodyBytes int64
	timeProvider timeutil.Provider
	tracer       trace.Tracer
}

// New returns a Fetcher. A nil client gets one with a 30s timeout.
func New(client *http.Client, tracer trace.Tracer) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		client:       client,
		maxBodyBytes: DefaultMaxBodyBytes,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
	}
}

// NewClient returns a client whose requests are traced as children of the
// fetch span and carry trace context to the shop.
func NewClient(timeout time.Duration, tp trace.TracerProvider) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
	}
}

// Fetch loads url. Statuses and transport errors are classified into
// *enrichment.LookupError values.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*product.Page, error) {
	ctx, span := f.tracer.Start(ctx, "http_fetcher.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url", url)),
	)
	defer span.End()

	page, err := f.fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("status_code", page.StatusCode),
		attribute.Int("body_bytes", len(page.Body)),
	)
	return page, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (*product.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, enrichment.NewPermanentError(enrichment.ReasonMalformedInput, err)
	}
	req.Header.Set("User-Agent", fetcher.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := fetcher.StatusError(url, resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf("reading body of %s: %w", url, err))
	}

	return &product.Page{
		RequestURL: url,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  f.timeProvider.Now(),
	}, nil
}

// transportError leaves cancellation of the caller's context untouched so
// the engine sees an interrupt rather than a key failure.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return enrichment.NewTransientError(enrichment.ReasonTimeout, err)
	}
	return enrichment.NewTransientError(enrichment.ReasonUnavailable, err)
}
