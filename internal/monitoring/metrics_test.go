package monitoring

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCrossing(1, "entry")
	m.ObserveFlush(5, time.Millisecond)
	m.ObserveFlushFailure()
	m.ObserveFrame(1, 2)
	m.SetSessionActive(true)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.ObserveCrossing(4, "entry")
	m.ObserveCrossing(4, "entry")
	m.ObserveCrossing(4, "exit")
	m.ObserveFlush(3, 2*time.Millisecond)
	m.ObserveFlushFailure()
	m.ObserveFrame(2, 17)
	m.SetSessionActive(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.crossings.WithLabelValues("4", "entry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.crossings.WithLabelValues("4", "exit")))
	assert.Equal(t, uint64(1), m.BatchesFlushed.Load())
	assert.Equal(t, uint64(3), m.EventsPersisted.Load())
	assert.Equal(t, uint64(1), m.FlushFailures.Load())
	assert.Equal(t, uint64(2), m.InvalidObservations.Load())
	assert.Equal(t, uint64(17), m.TrackedTracks.Load())

	m.SetSessionActive(false)
	assert.Zero(t, m.SessionActive.Load())
	assert.Zero(t, m.TrackedTracks.Load())
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveCrossing(1, "exit")
	m.ObserveFrame(0, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	for _, name := range []string{
		"zonecount_crossings_total",
		"zonecount_frames_processed_total",
		"zonecount_session_active",
		"zonecount_flush_duration_seconds",
	} {
		assert.True(t, strings.Contains(text, name), "missing %s", name)
	}
}
