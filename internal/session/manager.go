package session

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/zonecount/internal/crossing"
)

var (
	// ErrSessionActive is returned when starting while another session runs.
	ErrSessionActive = errors.New("a session is already running")

	// ErrNoSession is returned when there is no session to act on.
	ErrNoSession = errors.New("no session")
)

// Manager runs at most one session at a time in the background.
type Manager struct {
	ctx    context.Context
	writer crossing.EventWriter
	opts   []Option

	mu       sync.Mutex
	current  *Controller
	wg       sync.WaitGroup
	onChange func(active bool)
}

// NewManager returns a Manager whose sessions write to writer. Sessions
// run until stopped or until ctx is cancelled. opts apply to every session.
func NewManager(ctx context.Context, writer crossing.EventWriter, opts ...Option) *Manager {
	return &Manager{ctx: ctx, writer: writer, opts: opts}
}

// OnChange registers f to be called when a session starts (true) and when
// it ends (false). f runs with the manager's lock held and must not call
// back into the Manager. An end is not reported once a newer session has
// started.
func (m *Manager) OnChange(f func(active bool)) {
	m.mu.Lock()
	m.onChange = f
	m.mu.Unlock()
}

// Start launches a session for zone reading from src.
func (m *Manager) Start(zone Zone, src FrameSource, opts ...Option) (*Controller, error) {
	if zone.Polygon == nil {
		return nil, ErrNoZone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && !isDone(m.current) {
		return nil, ErrSessionActive
	}

	all := append(append([]Option{}, m.opts...), opts...)
	c := New(zone, src, m.writer, all...)
	m.current = c

	if m.onChange != nil {
		m.onChange(true)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := c.Run(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf("%s ended with error: %v", c.ID(), err)
		}
		m.ended(c)
	}()
	return c, nil
}

func (m *Manager) ended(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == c && m.onChange != nil {
		m.onChange(false)
	}
}

// Current returns the running session, or the most recent one if none is
// running.
func (m *Manager) Current() (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// Active returns the running session, if any.
func (m *Manager) Active() (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || isDone(m.current) {
		return nil, false
	}
	return m.current, true
}

// Stop asks the running session to finish and waits until its final flush
// has completed or ctx ends.
func (m *Manager) Stop(ctx context.Context) (Snapshot, error) {
	c, ok := m.Active()
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	c.Stop()
	select {
	case <-c.Done():
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Wait blocks until every session goroutine has returned.
func (m *Manager) Wait() { m.wg.Wait() }

func isDone(c *Controller) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
