package monitoring

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counting pipeline's metrics. A nil *Metrics is valid and
// records nothing, so callers never need to guard their calls.
type Metrics struct {
	// Frame processing counters
	FramesProcessed     atomic.Uint64
	InvalidObservations atomic.Uint64

	// Persistence counters
	BatchesFlushed  atomic.Uint64
	EventsPersisted atomic.Uint64
	FlushFailures   atomic.Uint64

	// Session state
	SessionActive atomic.Uint64 // 0 = idle, 1 = running
	TrackedTracks atomic.Uint64

	crossings    *prometheus.CounterVec
	flushLatency prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its own Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		crossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonecount_crossings_total",
			Help: "Crossing events emitted, by zone and kind",
		}, []string{"zone", "kind"}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zonecount_flush_duration_seconds",
			Help:    "Time spent writing one event batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.crossings, m.flushLatency)

	gauges := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"zonecount_frames_processed_total", "Total frames evaluated", &m.FramesProcessed},
		{"zonecount_invalid_observations_total", "Observations skipped as invalid", &m.InvalidObservations},
		{"zonecount_batches_flushed_total", "Event batches confirmed by storage", &m.BatchesFlushed},
		{"zonecount_events_persisted_total", "Events confirmed by storage", &m.EventsPersisted},
		{"zonecount_flush_failures_total", "Failed batch write attempts", &m.FlushFailures},
		{"zonecount_session_active", "Processing session running (0=idle, 1=running)", &m.SessionActive},
		{"zonecount_tracked_tracks", "Tracks remembered by the active session", &m.TrackedTracks},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ObserveCrossing counts one emitted event.
func (m *Metrics) ObserveCrossing(zoneID int64, kind string) {
	if m == nil {
		return
	}
	m.crossings.WithLabelValues(strconv.FormatInt(zoneID, 10), kind).Inc()
}

// ObserveFlush records a confirmed batch write.
func (m *Metrics) ObserveFlush(events int, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchesFlushed.Add(1)
	m.EventsPersisted.Add(uint64(events))
	m.flushLatency.Observe(d.Seconds())
}

// ObserveFlushFailure records a failed batch write attempt.
func (m *Metrics) ObserveFlushFailure() {
	if m == nil {
		return
	}
	m.FlushFailures.Add(1)
}

// ObserveFrame records one evaluated frame and the state table size after it.
func (m *Metrics) ObserveFrame(invalid, tracked int) {
	if m == nil {
		return
	}
	m.FramesProcessed.Add(1)
	m.InvalidObservations.Add(uint64(invalid))
	m.TrackedTracks.Store(uint64(tracked))
}

// SetSessionActive flips the session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SessionActive.Store(1)
		return
	}
	m.SessionActive.Store(0)
	m.TrackedTracks.Store(0)
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
