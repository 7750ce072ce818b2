// Package browser fetches product pages through a headless Chrome session,
// for shops that render prices and ratings client-side.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/app/product"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/fetcher"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// Config tunes the browser session.
type Config struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// PageLoadTimeout bounds navigation plus rendering of one page.
	PageLoadTimeout time.Duration
	// SettleDelay is waited after the body is ready so client-side scripts
	// can fill in prices and ratings.
	SettleDelay time.Duration
}

// DefaultConfig matches the crawl settings the product pipeline was tuned
// with.
func DefaultConfig() Config {
	return Config{PageLoadTimeout: 30 * time.Second, SettleDelay: 3 * time.Second}
}

var _ product.PageFetcher = (*Session)(nil)

// Session owns one browser process for the whole run. Fetches share it and
// are serialized; each opens and closes its own tab.
type Session struct {
	cfg Config

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// Start launches the browser. Close must be called once the run completes or
// aborts.
func Start(ctx context.Context, cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Session, error) {
	def := DefaultConfig()
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = def.PageLoadTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(fetcher.UserAgent),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.NoSandbox,
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// The browser outlives any single request context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	s := &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		timeProvider:  timeutil.Default(),
		logger:        logger.With("component", "browser_session"),
		tracer:        tracer,
	}
	s.logger.Info(ctx, "browser session started", "page_load_timeout", cfg.PageLoadTimeout)
	return s, nil
}

// Fetch renders url in a fresh tab and returns the resulting document.
func (s *Session) Fetch(ctx context.Context, url string) (*product.Page, error) {
	ctx, span := s.tracer.Start(ctx, "browser_session.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url", url)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserCtx == nil {
		return nil, errors.New("browser session closed")
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.cfg.PageLoadTimeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var (
		location string
		html     string
	)
	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(url))
	if err == nil {
		err = chromedp.Run(tabCtx,
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(s.cfg.SettleDelay),
			chromedp.Location(&location),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = navigationError(url, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	status := 200
	if resp != nil {
		status = int(resp.Status)
	}
	span.SetAttributes(attribute.Int("status_code", status))
	if err := fetcher.StatusError(url, status); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &product.Page{
		RequestURL: url,
		URL:        location,
		StatusCode: status,
		Body:       []byte(html),
		FetchedAt:  s.timeProvider.Now(),
	}, nil
}

func navigationError(url string, err error) error {
	wrapped := fmt.Errorf("rendering %s: %w", url, err)
	if errors.Is(err, context.DeadlineExceeded) {
		return enrichment.NewTransientError(enrichment.ReasonTimeout, wrapped)
	}
	return enrichment.NewTransientError(enrichment.ReasonUnavailable, wrapped)
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserCtx == nil {
		return nil
	}
	s.browserCancel()
	s.allocCancel()
	s.browserCtx = nil
	return nil
}
