package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paintgrid/painter/internal/stats"
)

// MetricsHandler exposes a Stats collector's registry over HTTP in the
// standard Prometheus text exposition format, replacing a hand-rolled
// formatter with the library the rest of internal/stats already uses.
func MetricsHandler(st *stats.Stats) http.Handler {
	return promhttp.HandlerFor(st.Registry(), promhttp.HandlerOpts{})
}
