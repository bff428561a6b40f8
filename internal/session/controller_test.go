package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/geometry"
	"github.com/banshee-data/zonecount/internal/monitoring"
	"github.com/banshee-data/zonecount/internal/timeutil"
)

var testStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testZone(t *testing.T) Zone {
	t.Helper()
	p, err := geometry.FromCoordinates([][]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}})
	require.NoError(t, err)
	return Zone{ID: 3, Name: "door", Polygon: p}
}

// boxAt returns a detection whose bottom-center reference point is (x, y).
func boxAt(id int64, x, y float64) Detection {
	return Detection{TrackID: id, Box: [4]float64{x - 1, y - 4, x + 1, y}}
}

type sliceSource struct {
	frames []Frame
	next   int
	after  func(i int) // called after frame i is returned
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	if s.after != nil {
		s.after(s.next)
	}
	s.next++
	return f, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// alternating builds n+1 single-detection frames for one track that flips
// in and out of the test zone, producing n events.
func alternating(n int) []Frame {
	frames := make([]Frame, n+1)
	for i := range frames {
		x := 5.0
		if i%2 == 1 {
			x = 50
		}
		frames[i] = Frame{Index: int64(i), Detections: []Detection{boxAt(1, x, 5)}}
	}
	return frames
}

type memWriter struct {
	mu      sync.Mutex
	batches [][]crossing.Event
	failN   int // fail this many calls before succeeding; -1 fails forever
	calls   int
}

func (w *memWriter) WriteEvents(_ context.Context, events []crossing.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failN < 0 || w.calls <= w.failN {
		return errors.New("database is locked")
	}
	w.batches = append(w.batches, events)
	return nil
}

func (w *memWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.batches))
	for i, b := range w.batches {
		out[i] = len(b)
	}
	return out
}

func (w *memWriter) events() []crossing.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []crossing.Event
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func quietLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushBackoff = 100 * time.Millisecond
	return cfg
}

func TestController_ScenarioA(t *testing.T) {
	quietLogs(t)
	clock := timeutil.NewMockClock(testStart)
	src := &sliceSource{frames: []Frame{
		{Index: 0, Detections: []Detection{boxAt(1, 5, 5)}},
		{Index: 1, Detections: []Detection{boxAt(1, 20, 20)}},
		{Index: 2, Detections: []Detection{boxAt(1, 5, 5)}},
	}}
	w := &memWriter{}
	c := New(testZone(t), src, w, WithClock(clock), WithConfig(testConfig()), WithID("run-a"))

	require.NoError(t, c.Run(context.Background()))

	events := w.events()
	require.Len(t, events, 2)
	assert.Equal(t, crossing.Exit, events[0].Kind)
	assert.Equal(t, crossing.Entry, events[1].Kind)
	for _, ev := range events {
		assert.Equal(t, "run-a", ev.RunID)
		assert.Equal(t, int64(3), ev.ZoneID)
	}

	snap := c.Snapshot()
	assert.Equal(t, Stopped, snap.State)
	assert.Equal(t, int64(3), snap.Frames)
	assert.Equal(t, int64(1), snap.Entries)
	assert.Equal(t, int64(1), snap.Exits)
	assert.Equal(t, int64(2), snap.Persisted)
	assert.Zero(t, snap.Pending)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.StoppedAt)
	assert.True(t, src.closed)
	assert.Empty(t, c.Pending())
}

func TestController_ScenarioC_BatchesOfThreshold(t *testing.T) {
	quietLogs(t)
	w := &memWriter{}
	c := New(testZone(t), &sliceSource{frames: alternating(12)}, w,
		WithClock(timeutil.NewMockClock(testStart)), WithConfig(testConfig()))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []int{5, 5, 2}, w.sizes())
}

func TestController_BatchCountForAnyStream(t *testing.T) {
	quietLogs(t)
	for _, tc := range []struct{ events, threshold int }{
		{0, 5}, {1, 5}, {5, 5}, {6, 5}, {10, 3}, {7, 1}, {9, 4},
	} {
		t.Run(fmt.Sprintf("M%d_T%d", tc.events, tc.threshold), func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = tc.threshold
			w := &memWriter{}
			c := New(testZone(t), &sliceSource{frames: alternating(tc.events)}, w,
				WithClock(timeutil.NewMockClock(testStart)), WithConfig(cfg))
			require.NoError(t, c.Run(context.Background()))

			sizes := w.sizes()
			assert.Len(t, sizes, (tc.events+tc.threshold-1)/tc.threshold)
			total := 0
			for _, s := range sizes {
				assert.LessOrEqual(t, s, tc.threshold)
				total += s
			}
			assert.Equal(t, tc.events, total)
		})
	}
}

func TestController_StopFlushesPartialBatch(t *testing.T) {
	quietLogs(t)
	w := &memWriter{}
	src := &sliceSource{frames: alternating(20)}
	c := New(testZone(t), src, w, WithClock(timeutil.NewMockClock(testStart)), WithConfig(testConfig()))
	// Frames 0..3 produce three events, below the threshold of five.
	src.after = func(i int) {
		if i == 3 {
			c.Stop()
		}
	}

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []int{3}, w.sizes())
	assert.Equal(t, int64(4), c.Snapshot().Frames)
	assert.Equal(t, Stopped, c.State())
}

func TestController_StopUnblocksWaitingSource(t *testing.T) {
	quietLogs(t)
	w := &memWriter{}
	frames := alternating(2)
	served := 0
	src := sourceFunc(func(ctx context.Context) (Frame, error) {
		if served < len(frames) {
			served++
			return frames[served-1], nil
		}
		<-ctx.Done()
		return Frame{}, ctx.Err()
	})
	c := New(testZone(t), src, w, WithClock(timeutil.NewMockClock(testStart)), WithConfig(testConfig()))

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool { return c.Snapshot().Frames == 3 }, time.Second, 5*time.Millisecond)

	c.Stop()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, []int{2}, w.sizes())
}

func TestController_ContextCancelStillFlushes(t *testing.T) {
	quietLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &memWriter{}
	src := &sliceSource{frames: alternating(20)}
	src.after = func(i int) {
		if i == 2 {
			cancel()
		}
	}
	c := New(testZone(t), src, w, WithClock(timeutil.NewMockClock(testStart)), WithConfig(testConfig()))

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{2}, w.sizes())
}

func TestController_StorageFailureKeepsEvents(t *testing.T) {
	quietLogs(t)
	clock := timeutil.NewMockClock(testStart)
	cfg := testConfig()
	cfg.FlushRetries = 2
	w := &memWriter{failN: -1}
	c := New(testZone(t), &sliceSource{frames: alternating(8)}, w, WithClock(clock), WithConfig(cfg))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, crossing.ErrStorageWriteFailed)

	// The retry budget is spent once; the final flush is skipped.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.Sleeps())
	w.mu.Lock()
	assert.Equal(t, 3, w.calls)
	w.mu.Unlock()
	assert.Len(t, c.Pending(), 5)

	snap := c.Snapshot()
	assert.Equal(t, 5, snap.Pending)
	assert.Zero(t, snap.Persisted)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, int64(5), snap.Frames, "the frame that failed to flush is not counted")
}

func TestController_TransientFailureRetried(t *testing.T) {
	quietLogs(t)
	clock := timeutil.NewMockClock(testStart)
	w := &memWriter{failN: 1}
	c := New(testZone(t), &sliceSource{frames: alternating(5)}, w, WithClock(clock), WithConfig(testConfig()))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []int{5}, w.sizes())
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())
}

func TestController_SourceErrorFlushesAndReturns(t *testing.T) {
	quietLogs(t)
	w := &memWriter{}
	boom := errors.New("decoder crashed")
	frames := alternating(2)
	calls := 0
	src := sourceFunc(func(ctx context.Context) (Frame, error) {
		if calls == len(frames) {
			return Frame{}, boom
		}
		calls++
		return frames[calls-1], nil
	})
	c := New(testZone(t), src, w, WithClock(timeutil.NewMockClock(testStart)), WithConfig(testConfig()))

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{2}, w.sizes())
}

type sourceFunc func(ctx context.Context) (Frame, error)

func (f sourceFunc) Next(ctx context.Context) (Frame, error) { return f(ctx) }

func TestController_InvalidObservationsCounted(t *testing.T) {
	quietLogs(t)
	cfg := testConfig()
	cfg.FrameWidth, cfg.FrameHeight = 100, 100
	src := &sliceSource{frames: []Frame{
		{Detections: []Detection{boxAt(1, 50, 50), boxAt(-4, 5, 5)}},
		{Detections: []Detection{boxAt(1, 5, 5), boxAt(2, 500, 5)}},
	}}
	w := &memWriter{}
	c := New(testZone(t), src, w, WithClock(timeutil.NewMockClock(testStart)), WithConfig(cfg))

	require.NoError(t, c.Run(context.Background()))
	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Invalid)
	assert.Equal(t, int64(1), snap.Entries)
	assert.Equal(t, 1, snap.Tracked)
}

func TestController_RunTwice(t *testing.T) {
	quietLogs(t)
	c := New(testZone(t), &sliceSource{}, &memWriter{}, WithClock(timeutil.NewMockClock(testStart)))
	require.NoError(t, c.Run(context.Background()))
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyStarted)
}

func TestController_NoPolygon(t *testing.T) {
	quietLogs(t)
	c := New(Zone{ID: 1}, &sliceSource{}, &memWriter{})
	assert.ErrorIs(t, c.Run(context.Background()), ErrNoZone)
	assert.Equal(t, Stopped, c.State())
	<-c.Done()
}

func TestController_MetricsRecorded(t *testing.T) {
	quietLogs(t)
	m := monitoring.NewMetrics()
	c := New(testZone(t), &sliceSource{frames: alternating(6)}, &memWriter{},
		WithClock(timeutil.NewMockClock(testStart)), WithConfig(testConfig()), WithMetrics(m))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, uint64(7), m.FramesProcessed.Load())
	assert.Equal(t, uint64(6), m.EventsPersisted.Load())
	assert.Equal(t, uint64(2), m.BatchesFlushed.Load())
	assert.Zero(t, m.SessionActive.Load())
}

func TestDetection_Observation(t *testing.T) {
	d := Detection{TrackID: 9, Box: [4]float64{10, 20, 30, 60}}
	o := d.Observation()
	assert.Equal(t, int64(9), o.TrackID)
	assert.Equal(t, geometry.Point{X: 20, Y: 60}, o.Point)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())

	for _, st := range []State{Idle, Running, Stopping, Stopped} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, st, got)
	}
	var bad State
	assert.Error(t, bad.UnmarshalText([]byte("paused")))
}
