// Package stats is the read-mostly progress/connection-status struct the
// scheduler and supervisor publish, backed by Prometheus counters and
// gauges (§9's replacement for the original's shared metrics dictionary).
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Stats collects painter-wide counters the supervisor reads for stall
// detection and the estimator reads for its measured-efficiency figure.
type Stats struct {
	registry *prometheus.Registry

	submitted   prometheus.Counter
	succeeded   prometheus.Counter
	reconnects  prometheus.Counter
	failedByStatus *prometheus.CounterVec
	connectionState *prometheus.GaugeVec

	mu              sync.Mutex
	perLayerCount   map[int]int64
	lastSuccessUnix atomic.Int64
}

// New creates a Stats collector registered against a fresh registry (a
// fresh registry per instance keeps tests hermetic and mirrors the
// teacher's per-server Metrics rather than a process-wide default
// registry).
func New() *Stats {
	reg := prometheus.NewRegistry()
	s := &Stats{
		registry: reg,
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "painter_frames_submitted_total",
			Help: "Paint frames enqueued for sending.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "painter_frames_succeeded_total",
			Help: "Paint frames confirmed successful by a 0xff result.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "painter_reconnects_total",
			Help: "Connection pool reconnects triggered by the supervisor.",
		}),
		failedByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "painter_frames_failed_total",
			Help: "Paint frames that received a non-success status.",
		}, []string{"status"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "painter_connection_state",
			Help: "1 if the connection at this index is open, else 0.",
		}, []string{"connection"}),
		perLayerCount: make(map[int]int64),
	}
	reg.MustRegister(s.submitted, s.succeeded, s.reconnects, s.failedByStatus, s.connectionState)
	return s
}

// Registry exposes the underlying Prometheus registry, e.g. for a
// statusserver /metrics endpoint.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// RecordSubmitted increments the submitted counter and the per-layer
// assignment count for layerIndex.
func (s *Stats) RecordSubmitted(layerIndex int) {
	s.submitted.Inc()
	s.mu.Lock()
	s.perLayerCount[layerIndex]++
	s.mu.Unlock()
}

// RecordSuccess increments the success counter and timestamps it.
func (s *Stats) RecordSuccess() {
	s.succeeded.Inc()
	s.lastSuccessUnix.Store(time.Now().Unix())
}

// RecordFailure increments the per-status failure counter.
func (s *Stats) RecordFailure(status byte) {
	s.failedByStatus.WithLabelValues(statusLabel(status)).Inc()
}

// RecordReconnect increments the reconnect counter.
func (s *Stats) RecordReconnect() {
	s.reconnects.Inc()
}

// SetConnectionState publishes whether connection index i is open.
func (s *Stats) SetConnectionState(index int, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	s.connectionState.WithLabelValues(labelFor(index)).Set(v)
}

// LastSuccessAt returns the time of the most recent successful frame, or
// the zero Time if none has occurred yet.
func (s *Stats) LastSuccessAt() time.Time {
	unix := s.lastSuccessUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// Snapshot is a point-in-time read of counters, used by the stall
// detector and status endpoints without coupling callers to Prometheus
// types directly.
type Snapshot struct {
	Submitted     int64
	Succeeded     int64
	Reconnects    int64
	LastSuccessAt time.Time
	PerLayer      map[int]int64
}

// Snapshot gathers the current counter values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	perLayer := make(map[int]int64, len(s.perLayerCount))
	for k, v := range s.perLayerCount {
		perLayer[k] = v
	}
	s.mu.Unlock()

	return Snapshot{
		Submitted:     int64(testutil.ToFloat64(s.submitted)),
		Succeeded:     int64(testutil.ToFloat64(s.succeeded)),
		Reconnects:    int64(testutil.ToFloat64(s.reconnects)),
		LastSuccessAt: s.LastSuccessAt(),
		PerLayer:      perLayer,
	}
}

func statusLabel(status byte) string {
	switch status {
	case 0xef:
		return "success"
	case 0xea:
		return "server_error"
	case 0xeb:
		return "unauthorized"
	case 0xec:
		return "malformed"
	case 0xed:
		return "token_invalid"
	case 0xee:
		return "cooldown"
	default:
		return "unknown"
	}
}

func labelFor(index int) string {
	const digits = "0123456789"
	if index < 10 {
		return string(digits[index])
	}
	// Connection counts are bounded (<=16 per §4.5); a tiny manual
	// two-digit formatter avoids pulling in strconv for this one path.
	tens := index / 10
	ones := index % 10
	return string(digits[tens]) + string(digits[ones])
}
