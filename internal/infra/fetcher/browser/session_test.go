package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/pkg/common/logger"
)

func chromePath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary found")
	return ""
}

func TestSessionFetch(t *testing.T) {
	execPath := chromePath(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/ring.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h1 id="n"></h1>
			<script>document.getElementById("n").textContent = "Ring Zanessa";</script>
			</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	s, err := Start(ctx, Config{ExecPath: execPath, PageLoadTimeout: 20 * time.Second}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	defer s.Close()

	page, err := s.Fetch(ctx, srv.URL+"/ring.html")
	require.NoError(t, err)
	assert.Equal(t, 200, page.StatusCode)
	assert.Contains(t, string(page.Body), "Ring Zanessa")

	_, err = s.Fetch(ctx, srv.URL+"/missing")
	require.ErrorIs(t, err, &enrichment.LookupError{Kind: enrichment.KindPermanent, Reason: enrichment.ReasonNotFound})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Fetch(ctx, srv.URL+"/ring.html")
	require.Error(t, err)
}

func TestNavigationError(t *testing.T) {
	kind, reason := enrichment.Classify(navigationError("https://x.test", context.DeadlineExceeded))
	assert.Equal(t, enrichment.KindTransient, kind)
	assert.Equal(t, enrichment.ReasonTimeout, reason)

	kind, reason = enrichment.Classify(navigationError("https://x.test", errors.New("net::ERR_CONNECTION_RESET")))
	assert.Equal(t, enrichment.KindTransient, kind)
	assert.Equal(t, enrichment.ReasonUnavailable, reason)
}
