package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/paintgrid/painter/internal/credential"
	"github.com/paintgrid/painter/internal/stats"
	"github.com/paintgrid/painter/internal/transport"
)

var startTime = time.Now()

// HealthHandler serves the painter's liveness and readiness endpoints,
// reporting credential and connection-pool status in place of the
// PHP-worker counters this handler originally reported.
type HealthHandler struct {
	creds *credential.Manager
	pool  *transport.Pool
	stats *stats.Stats
}

// NewHealthHandler creates a health check handler for the given
// credential manager, connection pool, and stats collector.
func NewHealthHandler(creds *credential.Manager, p *transport.Pool, st *stats.Stats) *HealthHandler {
	return &HealthHandler{creds: creds, pool: p, stats: st}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ready", "/readyz":
		h.readiness(w)
	default:
		h.liveness(w)
	}
}

func (h *HealthHandler) liveness(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

// readiness reports not_ready if no credential is active or no
// connection is currently open, since either leaves the scheduler
// unable to make progress.
func (h *HealthHandler) readiness(w http.ResponseWriter) {
	activeCreds := h.creds.ActiveCount()
	openConns := h.pool.OpenCount()
	snap := h.stats.Snapshot()

	ready := activeCreds > 0 && openConns > 0
	status := http.StatusOK
	statusStr := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusStr = "not_ready"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         statusStr,
		"uptime":         time.Since(startTime).String(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"credentials": map[string]interface{}{
			"active": activeCreds,
		},
		"connections": map[string]interface{}{
			"open": openConns,
		},
		"frames": map[string]interface{}{
			"submitted":       snap.Submitted,
			"succeeded":       snap.Succeeded,
			"reconnects":      snap.Reconnects,
			"last_success_at": snap.LastSuccessAt,
		},
		"memory": map[string]interface{}{
			"alloc_mb":  mem.Alloc / 1024 / 1024,
			"sys_mb":    mem.Sys / 1024 / 1024,
			"gc_cycles": mem.NumGC,
		},
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}
