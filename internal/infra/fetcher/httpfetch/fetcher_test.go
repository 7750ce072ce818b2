package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/fetcher"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ring.html", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fetcher.UserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<h1>Ring</h1>"))
	})
	mux.HandleFunc("/catalog/product/view/id/1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ring.html", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusGone) })
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) })
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) })
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchFollowsRedirects(t *testing.T) {
	srv := newServer(t)
	f := New(srv.Client(), noop.NewTracerProvider().Tracer("test"))

	page, err := f.Fetch(context.Background(), srv.URL+"/catalog/product/view/id/1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/ring.html", page.URL)
	assert.Equal(t, srv.URL+"/catalog/product/view/id/1", page.RequestURL)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "<h1>Ring</h1>", string(page.Body))
}

func TestNewClientTracesRequests(t *testing.T) {
	srv := newServer(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := New(NewClient(5*time.Second, tp), tp.Tracer("test"))

	_, err := f.Fetch(context.Background(), srv.URL+"/ring.html")
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	var fetchSpan, requestSpan sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == "http_fetcher.fetch" {
			fetchSpan = s
		} else {
			requestSpan = s
		}
	}
	require.NotNil(t, fetchSpan)
	require.NotNil(t, requestSpan)
	assert.Equal(t, trace.SpanKindClient, requestSpan.SpanKind())
	assert.Equal(t, fetchSpan.SpanContext().SpanID(), requestSpan.Parent().SpanID())
}

func TestFetchClassifiesFailures(t *testing.T) {
	srv := newServer(t)
	client := srv.Client()
	client.Timeout = 100 * time.Millisecond
	f := New(client, noop.NewTracerProvider().Tracer("test"))

	tests := []struct {
		path       string
		wantKind   enrichment.ErrorKind
		wantReason enrichment.Reason
	}{
		{"/gone", enrichment.KindPermanent, enrichment.ReasonNotFound},
		{"/missing", enrichment.KindPermanent, enrichment.ReasonNotFound},
		{"/forbidden", enrichment.KindPermanent, enrichment.ReasonUnauthorized},
		{"/busy", enrichment.KindTransient, enrichment.ReasonRateLimited},
		{"/broken", enrichment.KindTransient, enrichment.ReasonUnavailable},
		{"/slow", enrichment.KindTransient, enrichment.ReasonTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), srv.URL+tt.path)
			require.Error(t, err)
			kind, reason := enrichment.Classify(err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestFetchCanceledContextIsNotAKeyFailure(t *testing.T) {
	srv := newServer(t)
	f := New(srv.Client(), noop.NewTracerProvider().Tracer("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, srv.URL+"/ring.html")
	require.ErrorIs(t, err, context.Canceled)
	var le *enrichment.LookupError
	assert.NotErrorAs(t, err, &le)
}

func TestFetchUnreachableHost(t *testing.T) {
	f := New(&http.Client{Timeout: time.Second}, noop.NewTracerProvider().Tracer("test"))
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
	kind, _ := enrichment.Classify(err)
	assert.Equal(t, enrichment.KindTransient, kind)
}
