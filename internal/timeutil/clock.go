// Package timeutil provides the clocks used for event timestamps, retry
// backoff and track expiry, so tests can drive time by hand.
package timeutil

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source for a session.
type Clock interface {
	Now() time.Time
	// Sleep waits for d and returns early with ctx.Err() if ctx ends.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MockClock only moves when told to. Sleep advances it instantly and
// records the requested duration.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewMockClock(t time.Time) *MockClock { return &MockClock{now: t} }

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t, which may be in the past.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// Sleeps returns a copy of every duration passed to Sleep, in order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Monotonic is a view of a Clock whose Now never decreases, even when the
// underlying wall clock steps back. Returned times carry no monotonic
// reading, so ordering is by wall time.
type Monotonic struct {
	Clock
	mu   sync.Mutex
	last time.Time
}

func NewMonotonic(c Clock) *Monotonic { return &Monotonic{Clock: c} }

func (m *Monotonic) Now() time.Time {
	now := m.Clock.Now().Round(0)
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.last) {
		return m.last
	}
	m.last = now
	return now
}
