// Package product wires product page scraping into the enrichment engine.
package product

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// DefaultDomain is used to build a page URL for products seen without one.
const DefaultDomain = "glamira.com"

// Page is a fetched product page.
type Page struct {
	// RequestURL is the URL that was asked for; URL is where the fetch ended
	// up after redirects.
	RequestURL string
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// PageFetcher loads a page. Implementations classify their failures with
// *enrichment.LookupError so the retry manager can tell a missing page from
// a flaky one.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Archiver stores the raw page alongside the parsed record.
type Archiver interface {
	Archive(ctx context.Context, key enrichment.WorkKey, page *Page) error
}

// CatalogURL returns the catalog URL of productID on domain.
func CatalogURL(productID, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return fmt.Sprintf("https://www.%s/catalog/product/view/id/%s", domain, productID)
}

// ResolveURL returns the page URL and shop domain for item. Items without a
// usable URL fall back to the catalog URL.
func ResolveURL(item enrichment.WorkItem) (pageURL, domain string) {
	pageURL = strings.TrimSpace(item.Attr(enrichment.AttrURL))
	domain = strings.TrimPrefix(strings.TrimSpace(item.Attr(enrichment.AttrDomain)), "www.")

	if pageURL != "" {
		if u, err := url.Parse(pageURL); err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") {
			if domain == "" {
				domain = strings.TrimPrefix(u.Hostname(), "www.")
			}
			return pageURL, domain
		}
	}

	if domain == "" {
		domain = DefaultDomain
	}
	return CatalogURL(item.Key.String(), domain), domain
}

// Option configures the product operation.
type Option func(*operation)

// WithArchiver stores every fetched page. Archive failures are logged and
// never fail the key.
func WithArchiver(a Archiver) Option { return func(o *operation) { o.archiver = a } }

// WithTimeProvider overrides the clock used for crawled_at.
func WithTimeProvider(tp timeutil.Provider) Option { return func(o *operation) { o.timeProvider = tp } }

type operation struct {
	fetcher      PageFetcher
	archiver     Archiver
	timeProvider timeutil.Provider
	logger       *logger.Logger
}

// Operation returns the per-key operation of the product pipeline.
func Operation(fetcher PageFetcher, logger *logger.Logger, opts ...Option) enrichment.Operation {
	o := &operation{
		fetcher:      fetcher,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "product_operation"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o.run
}

func (o *operation) run(ctx context.Context, item enrichment.WorkItem) (enrichment.Record, error) {
	pageURL, domain := ResolveURL(item)

	page, err := o.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, item.Key, page); err != nil {
			o.logger.Warn(ctx, "failed to archive page", "key", item.Key, "url", pageURL, "error", err)
		}
	}

	rec, err := Parse(page.Body, item.Key.String(), domain)
	if err != nil {
		return nil, enrichment.NewPermanentError(enrichment.ReasonMalformedInput, err)
	}
	rec.URL = page.URL
	if rec.URL == "" {
		rec.URL = pageURL
	}
	rec.CrawledAt = o.timeProvider.Now().UTC().Truncate(time.Second)
	return rec, nil
}
