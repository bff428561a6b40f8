package crossing

import (
	"container/list"
	"time"

	"github.com/banshee-data/zonecount/internal/timeutil"
)

// DefaultTrackCapacity bounds the state table when no capacity is given.
const DefaultTrackCapacity = 4096

// StateConfig bounds a StateTable.
type StateConfig struct {
	// Capacity is the maximum number of tracks remembered. When full, the
	// least recently observed track is forgotten. Zero means unbounded.
	Capacity int
	// TTL forgets tracks not observed for this long. Zero disables it.
	TTL time.Duration
	// Clock stamps observations for TTL eviction. Defaults to RealClock.
	Clock timeutil.Clock
}

// DefaultStateConfig returns the production bounds.
func DefaultStateConfig() StateConfig {
	return StateConfig{Capacity: DefaultTrackCapacity}
}

type trackEntry struct {
	trackID  int64
	inside   bool
	lastSeen time.Time
}

// StateTable remembers whether each track was last seen inside the zone.
// A forgotten track behaves exactly like one never observed.
type StateTable struct {
	cfg     StateConfig
	items   map[int64]*list.Element
	order   *list.List // front = most recently observed
	evicted uint64
}

// NewStateTable returns an empty table bounded by cfg.
func NewStateTable(cfg StateConfig) *StateTable {
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &StateTable{
		cfg:   cfg,
		items: make(map[int64]*list.Element),
		order: list.New(),
	}
}

// Get returns the recorded membership. known is false for a track that has
// never been observed or has been evicted.
func (s *StateTable) Get(trackID int64) (inside, known bool) {
	el, ok := s.items[trackID]
	if !ok {
		return false, false
	}
	return el.Value.(*trackEntry).inside, true
}

// Set records membership for trackID, overwriting any previous value.
func (s *StateTable) Set(trackID int64, inside bool) {
	now := s.cfg.Clock.Now()
	if el, ok := s.items[trackID]; ok {
		e := el.Value.(*trackEntry)
		e.inside = inside
		e.lastSeen = now
		s.order.MoveToFront(el)
		return
	}

	s.items[trackID] = s.order.PushFront(&trackEntry{trackID: trackID, inside: inside, lastSeen: now})
	if s.cfg.Capacity > 0 {
		for s.order.Len() > s.cfg.Capacity {
			s.removeElement(s.order.Back())
		}
	}
}

// Sweep forgets tracks not observed within the TTL and returns how many
// were removed.
func (s *StateTable) Sweep() int {
	if s.cfg.TTL <= 0 {
		return 0
	}
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.TTL)
	removed := 0
	for el := s.order.Back(); el != nil; {
		e := el.Value.(*trackEntry)
		if !e.lastSeen.Before(cutoff) {
			break
		}
		prev := el.Prev()
		s.removeElement(el)
		removed++
		el = prev
	}
	return removed
}

// Len returns the number of tracks currently remembered.
func (s *StateTable) Len() int { return s.order.Len() }

// Evicted returns the total number of tracks forgotten by capacity or TTL.
func (s *StateTable) Evicted() uint64 { return s.evicted }

func (s *StateTable) removeElement(el *list.Element) {
	e := s.order.Remove(el).(*trackEntry)
	delete(s.items, e.trackID)
	s.evicted++
}
