package common

import (
	"fmt"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewDebugMux returns a mux exposing Prometheus runtime metrics on /metrics
// and the statsviz dashboard on /debug/statsviz/.
func NewDebugMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("failed to register statsviz: %w", err)
	}
	return mux, nil
}

// RunDebugServer starts the debug HTTP server. It blocks until the server
// stops.
func RunDebugServer(addr string) error {
	mux, err := NewDebugMux()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
