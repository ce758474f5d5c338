package metrics

import (
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the metrics mux: Prometheus at /metrics and expvar at /debug/vars.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// StartServer starts the metrics HTTP server on the specified address.
// If addr is empty, the server is not started.
func StartServer(addr string) (*http.Server, error) {
	if addr == "" {
		slog.Info("metrics server disabled")
		return nil, nil
	}

	// Create server with explicit timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	slog.Info("starting metrics server", "addr", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return server, nil
}
