package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/monitoring"
	"github.com/banshee-data/zonecount/internal/timeutil"
)

var logf = monitoring.Component("session")

var (
	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrNoZone is returned for a session without a usable polygon.
	ErrNoZone = errors.New("session has no zone polygon")
)

// State is a session's lifecycle stage.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Running, Stopping, Stopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Config tunes a session.
type Config struct {
	// BatchSize is the number of events that triggers a write.
	BatchSize int
	// FlushRetries is how many times a failed write is retried before the
	// session gives up.
	FlushRetries int
	// FlushBackoff is the delay before the first retry; it doubles for each
	// subsequent attempt.
	FlushBackoff time.Duration
	// State bounds the track state table.
	State crossing.StateConfig
	// FrameWidth and FrameHeight, when both set, reject reference points
	// outside the frame.
	FrameWidth, FrameHeight float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    crossing.DefaultBatchSize,
		FlushRetries: 3,
		FlushBackoff: 200 * time.Millisecond,
		State:        crossing.DefaultStateConfig(),
	}
}

// Option configures a Controller.
type Option func(*Controller)

func WithConfig(cfg Config) Option { return func(c *Controller) { c.cfg = cfg } }

// WithClock replaces the clock used for event timestamps, retry backoff and
// state expiry.
func WithClock(clock timeutil.Clock) Option { return func(c *Controller) { c.clock = clock } }

func WithMetrics(m *monitoring.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithID overrides the generated run id.
func WithID(id string) Option { return func(c *Controller) { c.id = id } }

// Snapshot is a point-in-time view of a session for display.
type Snapshot struct {
	ID        string     `json:"id"`
	ZoneID    int64      `json:"zone_id"`
	ZoneName  string     `json:"zone_name,omitempty"`
	State     State      `json:"state"`
	Frames    int64      `json:"frames"`
	Entries   int64      `json:"entry_count"`
	Exits     int64      `json:"exit_count"`
	Persisted int64      `json:"persisted"`
	Pending   int        `json:"pending"`
	Invalid   int64      `json:"invalid_observations"`
	Tracked   int        `json:"tracked"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Controller owns one engine and batcher for a single run against one zone.
// Run drives it from one goroutine; Stop, Snapshot and Pending are safe to
// call from others.
type Controller struct {
	id      string
	zone    Zone
	src     FrameSource
	writer  crossing.EventWriter
	cfg     Config
	clock   timeutil.Clock
	metrics *monitoring.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu        sync.RWMutex
	state     State
	frames    int64
	counts    crossing.Counts
	persisted int64
	pending   int
	invalid   int64
	tracked   int
	lastErr   error
	startedAt time.Time
	stoppedAt time.Time
	leftover  []crossing.Event
}

// New returns an idle Controller. The writer must persist each batch
// atomically.
func New(zone Zone, src FrameSource, writer crossing.EventWriter, opts ...Option) *Controller {
	c := &Controller{
		id:     uuid.NewString(),
		zone:   zone,
		src:    src,
		writer: writer,
		cfg:    DefaultConfig(),
		clock:  timeutil.RealClock{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the run id stamped on every event of this session.
func (c *Controller) ID() string { return c.id }

// Zone returns the zone under evaluation.
func (c *Controller) Zone() Zone { return c.zone }

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Stop asks Run to finish after the current frame. It is idempotent and
// does not wait; use Done for that.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		if c.state == Running {
			c.state = Stopping
		}
		c.mu.Unlock()
	})
}

func (c *Controller) stopRequested() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Run processes frames until the source is exhausted, Stop is called, ctx is
// cancelled or storage fails beyond its retries. Buffered events are always
// flushed before Run returns. It returns nil for exhaustion and Stop,
// ctx.Err() for cancellation, and the storage or source error otherwise.
func (c *Controller) Run(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Running
	c.startedAt = c.clock.Now().UTC()
	c.mu.Unlock()
	defer close(c.done)

	if c.zone.Polygon == nil {
		c.mu.Lock()
		c.state = Stopped
		c.stoppedAt = c.startedAt
		c.lastErr = ErrNoZone
		c.mu.Unlock()
		return ErrNoZone
	}

	c.metrics.SetSessionActive(true)
	logf("%s started: zone=%d name=%q batch=%d", c.id, c.zone.ID, c.zone.Name, c.cfg.BatchSize)

	engine, batcher := c.build()
	err = c.loop(ctx, engine, batcher)

	c.setState(Stopping)
	// The final flush must run even when ctx is already cancelled. A run that
	// already exhausted its flush retries does not spend them again.
	if errors.Is(err, crossing.ErrStorageWriteFailed) {
		logf("%s storage failed, %d events unpersisted", c.id, batcher.Len())
	} else if ferr := c.flush(context.WithoutCancel(ctx), batcher); ferr != nil {
		logf("%s final flush failed, %d events unpersisted: %v", c.id, batcher.Len(), ferr)
		if err == nil || errors.Is(err, ctx.Err()) {
			err = ferr
		}
	}

	if closer, ok := c.src.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			logf("%s close source: %v", c.id, cerr)
		}
	}

	c.mu.Lock()
	c.state = Stopped
	c.stoppedAt = c.clock.Now().UTC()
	c.leftover = batcher.Pending()
	c.pending = len(c.leftover)
	if err != nil {
		c.lastErr = err
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.SetSessionActive(false)
	logf("%s stopped: frames=%d entries=%d exits=%d persisted=%d err=%v",
		c.id, snap.Frames, snap.Entries, snap.Exits, snap.Persisted, err)
	return err
}

func (c *Controller) build() (*crossing.Engine, *crossing.Batcher) {
	stateCfg := c.cfg.State
	if stateCfg.Clock == nil {
		stateCfg.Clock = c.clock
	}
	opts := []crossing.EngineOption{
		crossing.WithRunID(c.id),
		crossing.WithClock(timeutil.NewMonotonic(c.clock)),
	}
	if c.cfg.FrameWidth > 0 && c.cfg.FrameHeight > 0 {
		opts = append(opts, crossing.WithFrameBounds(c.cfg.FrameWidth, c.cfg.FrameHeight))
	}
	engine := crossing.NewEngine(c.zone.ID, c.zone.Polygon, crossing.NewStateTable(stateCfg), opts...)
	return engine, crossing.NewBatcher(c.cfg.BatchSize)
}

func (c *Controller) loop(ctx context.Context, engine *crossing.Engine, batcher *crossing.Batcher) error {
	// Reads are cancelled on Stop so a source blocked waiting for frames
	// does not hold the session open.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-readCtx.Done():
		}
	}()

	for {
		if c.stopRequested() {
			logf("%s stop requested", c.id)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := c.src.Next(readCtx)
		if errors.Is(err, io.EOF) {
			logf("%s source exhausted", c.id)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.stopRequested() {
				logf("%s stop requested", c.id)
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := c.processFrame(ctx, engine, batcher, frame); err != nil {
			return err
		}
	}
}

func (c *Controller) processFrame(ctx context.Context, engine *crossing.Engine, batcher *crossing.Batcher, frame Frame) error {
	invalid := 0
	for ev, err := range engine.ProcessFrame(frame.Observations()) {
		if err != nil {
			invalid++
			logf("%s frame %d: %v", c.id, frame.Index, err)
			continue
		}
		batcher.Offer(ev)
		c.metrics.ObserveCrossing(ev.ZoneID, ev.Kind.String())
		if batcher.ShouldFlush() {
			if err := c.flush(ctx, batcher); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.frames++
	c.counts = engine.Counts()
	c.invalid += int64(invalid)
	c.pending = batcher.Len()
	c.tracked = engine.Tracked()
	c.mu.Unlock()
	c.metrics.ObserveFrame(invalid, engine.Tracked())
	return nil
}

// flush writes the buffered batch, retrying with exponential backoff. The
// batch stays buffered if every attempt fails.
func (c *Controller) flush(ctx context.Context, batcher *crossing.Batcher) error {
	backoff := c.cfg.FlushBackoff
	for attempt := 0; ; attempt++ {
		start := c.clock.Now()
		n, err := batcher.Flush(ctx, c.writer)
		if err == nil {
			if n > 0 {
				c.metrics.ObserveFlush(n, c.clock.Now().Sub(start))
				c.mu.Lock()
				c.persisted += int64(n)
				c.pending = batcher.Len()
				c.mu.Unlock()
			}
			return nil
		}

		c.metrics.ObserveFlushFailure()
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		if attempt >= c.cfg.FlushRetries {
			return err
		}
		logf("%s flush attempt %d/%d failed, retrying in %s: %v", c.id, attempt+1, c.cfg.FlushRetries+1, backoff, err)
		if serr := c.clock.Sleep(ctx, backoff); serr != nil {
			return err
		}
		backoff *= 2
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current lifecycle stage.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the live status of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:        c.id,
		ZoneID:    c.zone.ID,
		ZoneName:  c.zone.Name,
		State:     c.state,
		Frames:    c.frames,
		Entries:   c.counts.Entries,
		Exits:     c.counts.Exits,
		Persisted: c.persisted,
		Pending:   c.pending,
		Invalid:   c.invalid,
		Tracked:   c.tracked,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		s.StartedAt = &t
	}
	if !c.stoppedAt.IsZero() {
		t := c.stoppedAt
		s.StoppedAt = &t
	}
	return s
}

// Pending returns the events that could not be persisted. It is only
// populated once Run has returned.
func (c *Controller) Pending() []crossing.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]crossing.Event, len(c.leftover))
	copy(out, c.leftover)
	return out
}
