package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgtether/pgtether/pkg/config"
)

// MetricsServer serves Prometheus metrics over HTTP. A nil
// *MetricsServer is valid and does nothing, so callers can build one
// straight from an optional config section.
type MetricsServer struct {
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

// NewMetricsServer builds the metrics server. Returns nil when cfg is
// nil, meaning metrics are disabled.
func NewMetricsServer(cfg *config.PrometheusConfig, logger *slog.Logger) *MetricsServer {
	if cfg == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())
	return &MetricsServer{
		mux: mux,
		server: &http.Server{
			Addr:    cfg.GetListen(),
			Handler: mux,
		},
		logger: logger,
	}
}

// Mux exposes the underlying mux so other components, like the flight
// recorder, can add debug endpoints. Nil when disabled.
func (s *MetricsServer) Mux() *http.ServeMux {
	if s == nil {
		return nil
	}
	return s.mux
}

// Start begins serving in a goroutine. Use Shutdown to stop.
func (s *MetricsServer) Start() {
	if s == nil {
		return
	}
	go func() {
		s.logger.Info("metrics server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight scrapes up to ctx.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *MetricsServer) Addr() string {
	if s == nil {
		return ""
	}
	return s.server.Addr
}

// Enabled reports whether a server was configured.
func (s *MetricsServer) Enabled() bool {
	return s != nil
}

// String renders the server for logs.
func (s *MetricsServer) String() string {
	if s == nil {
		return "MetricsServer(disabled)"
	}
	return fmt.Sprintf("MetricsServer(addr=%s)", s.server.Addr)
}
