// ABOUTME: Optional HTTP listener exposing /metrics and /health
// ABOUTME: Runs beside the stdio server; never touches stdout

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Handler returns a mux serving the registry at path and a liveness endpoint at /health.
func (m *Metrics) Handler(path string) http.Handler {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
// The bound address is logged so ":0" works in tests.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return m.serveListener(ctx, ln, path, logger)
}

func (m *Metrics) serveListener(ctx context.Context, ln net.Listener, path string, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           m.Handler(path),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", ln.Addr().String(), "path", path)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics endpoint: %w", err)
		}
		logger.Debug("metrics endpoint stopped")
		return nil
	}
}
