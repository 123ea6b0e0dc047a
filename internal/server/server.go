// Package server is the painter's status HTTP surface: liveness and
// readiness checks plus a Prometheus /metrics endpoint, bound to the
// CLI's -port flag (§6). It is not the operator UI named in the spec's
// Non-goals — it carries no drawing canvas or configuration editor, only
// machine-readable health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/paintgrid/painter/internal/credential"
	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/transport"
)

// Server wraps the underlying *http.Server so main can manage its
// lifecycle alongside the other supervised tasks.
type Server struct {
	http *http.Server
}

// New builds a Server listening on addr, serving /healthz, /readyz, and
// /metrics.
func New(addr string, creds *credential.Manager, pool *transport.Pool, st *stats.Stats, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	health := NewHealthHandler(creds, pool, st)
	mux.Handle("/healthz", health)
	mux.Handle("/readyz", health)
	mux.Handle("/metrics", MetricsHandler(st))

	return &Server{
		http: &http.Server{
			Addr:    addr,
			Handler: CoreMiddleware(logger)(mux),
		},
	}
}

// ListenAndServe binds addr and blocks serving requests until Shutdown is
// called or an unrecoverable error occurs. A bind failure is returned
// immediately so the caller can treat it as a fatal startup error (§7).
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("binding status server address %s: %w", s.http.Addr, err)
	}
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
