package crossing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zonecount/internal/timeutil"
)

func TestStateTable_AbsentIsNotOutside(t *testing.T) {
	t.Parallel()
	s := NewStateTable(DefaultStateConfig())

	inside, known := s.Get(1)
	assert.False(t, inside)
	assert.False(t, known)

	s.Set(1, false)
	inside, known = s.Get(1)
	assert.False(t, inside)
	assert.True(t, known)
}

func TestStateTable_CapacityEvictsLeastRecent(t *testing.T) {
	t.Parallel()
	s := NewStateTable(StateConfig{Capacity: 3})

	s.Set(1, true)
	s.Set(2, true)
	s.Set(3, false)
	s.Set(1, false) // touch 1 so 2 becomes the oldest
	s.Set(4, true)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, uint64(1), s.Evicted())

	_, known := s.Get(2)
	assert.False(t, known)
	for _, id := range []int64{1, 3, 4} {
		_, known := s.Get(id)
		assert.True(t, known, "track %d", id)
	}
}

func TestStateTable_TTLSweep(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(testStart)
	s := NewStateTable(StateConfig{TTL: 10 * time.Second, Clock: clock})

	s.Set(1, true)
	clock.Advance(6 * time.Second)
	s.Set(2, true)
	clock.Advance(5 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	_, known := s.Get(1)
	assert.False(t, known)
	_, known = s.Get(2)
	assert.True(t, known)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(2), s.Evicted())
}

func TestStateTable_SweepWithoutTTLKeepsEverything(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(testStart)
	s := NewStateTable(StateConfig{Clock: clock})
	s.Set(1, true)
	clock.Advance(24 * time.Hour)
	assert.Zero(t, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

// An evicted track that reappears is treated as new: its next observation
// records membership without emitting an event.
func TestEngine_EvictedTrackReobservedIsNew(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(testStart)
	state := NewStateTable(StateConfig{Capacity: 1, Clock: clock})
	e := NewEngine(1, testSquare(t), state, WithClock(clock))

	require.Empty(t, collect(t, e, obs(1, 50, 50)))
	require.Empty(t, collect(t, e, obs(2, 50, 50))) // evicts track 1
	assert.Empty(t, collect(t, e, obs(1, 5, 5)), "track 1 came back after eviction")

	got := collect(t, e, obs(1, 50, 50))
	assert.Equal(t, []Kind{Exit}, kinds(got))
}

func TestEngine_TTLExpiryBeforeFrame(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(testStart)
	state := NewStateTable(StateConfig{TTL: time.Second, Clock: clock})
	e := NewEngine(1, testSquare(t), state, WithClock(clock))

	collect(t, e, obs(1, 50, 50))
	clock.Advance(5 * time.Second)
	assert.Empty(t, collect(t, e, obs(1, 5, 5)))
	assert.Equal(t, 1, e.Tracked())
}
