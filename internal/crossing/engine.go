package crossing

import (
	"iter"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/zonecount/internal/geometry"
	"github.com/banshee-data/zonecount/internal/timeutil"
)

// Engine decides when tracks enter or leave one zone.
type Engine struct {
	zoneID  int64
	runID   string
	polygon *geometry.Polygon
	state   *StateTable
	clock   timeutil.Clock
	bounds  *r2.Box
	counts  Counts
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRunID stamps emitted events with the processing run they belong to.
func WithRunID(id string) EngineOption {
	return func(e *Engine) { e.runID = id }
}

// WithClock sets the clock used to timestamp events. Wrap it in
// timeutil.Monotonic when timestamps must not decrease.
func WithClock(c timeutil.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithFrameBounds rejects reference points outside the frame as invalid.
func WithFrameBounds(width, height float64) EngineOption {
	return func(e *Engine) {
		if width > 0 && height > 0 {
			b := r2.Box{Max: r2.Vec{X: width, Y: height}}
			e.bounds = &b
		}
	}
}

// NewEngine returns an Engine for zoneID. The polygon and state table are
// owned by the caller; state must not be shared with another engine.
func NewEngine(zoneID int64, polygon *geometry.Polygon, state *StateTable, opts ...EngineOption) *Engine {
	e := &Engine{
		zoneID:  zoneID,
		polygon: polygon,
		state:   state,
		clock:   timeutil.NewMonotonic(timeutil.RealClock{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessFrame evaluates observations in order and yields one Event per
// membership transition. Skipped observations yield a zero Event and an
// *InvalidObservationError; the rest of the frame is still processed.
//
// A track's first observation only records its membership. The sequence
// must be consumed fully before the next call; stopping early leaves the
// remaining observations unapplied.
func (e *Engine) ProcessFrame(observations []Observation) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		e.state.Sweep()

		for _, obs := range observations {
			if err := e.validate(obs); err != nil {
				if !yield(Event{}, err) {
					return
				}
				continue
			}

			isInside := e.polygon.Contains(obs.Point)
			wasInside, known := e.state.Get(obs.TrackID)
			e.state.Set(obs.TrackID, isInside)

			if !known || wasInside == isInside {
				continue
			}

			kind := Exit
			if isInside {
				kind = Entry
				e.counts.Entries++
			} else {
				e.counts.Exits++
			}

			ev := Event{
				ZoneID:    e.zoneID,
				RunID:     e.runID,
				Kind:      kind,
				TrackID:   obs.TrackID,
				Timestamp: e.clock.Now().UTC(),
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Counts returns the running entry and exit totals.
func (e *Engine) Counts() Counts { return e.counts }

// ZoneID returns the zone this engine evaluates.
func (e *Engine) ZoneID() int64 { return e.zoneID }

// Tracked returns the number of tracks currently remembered.
func (e *Engine) Tracked() int { return e.state.Len() }

func (e *Engine) validate(obs Observation) error {
	switch {
	case obs.TrackID < 0:
		return &InvalidObservationError{TrackID: obs.TrackID, Point: obs.Point, Reason: "negative track id"}
	case !geometry.Finite(obs.Point):
		return &InvalidObservationError{TrackID: obs.TrackID, Point: obs.Point, Reason: "non-finite coordinates"}
	case e.bounds != nil && !e.bounds.Contains(obs.Point):
		return &InvalidObservationError{TrackID: obs.TrackID, Point: obs.Point, Reason: "outside frame bounds"}
	}
	return nil
}
