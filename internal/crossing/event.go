// Package crossing implements zone membership tracking and crossing events.
//
// The Engine turns one frame of (track id, reference point) observations
// into entry and exit events for a single zone. Per-track membership lives
// in a StateTable and events are buffered by a Batcher until an
// EventWriter confirms them. None of the types here are safe for concurrent
// use; a session owns one of each and drives them from a single goroutine.
package crossing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/zonecount/internal/geometry"
)

var (
	// ErrInvalidObservation marks an observation that was skipped.
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrStorageWriteFailed marks a batch the writer did not confirm.
	ErrStorageWriteFailed = errors.New("storage write failed")
)

// Kind is the direction of a crossing.
type Kind uint8

const (
	Entry Kind = iota + 1
	Exit
)

func (k Kind) String() string {
	switch k {
	case Entry:
		return "entry"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "entry":
		return Entry, nil
	case "exit":
		return Exit, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if k != Entry && k != Exit {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Observation is one tracked object's reference point in one frame.
type Observation struct {
	TrackID int64
	Point   geometry.Point
}

// Event records that a track's membership in a zone flipped.
type Event struct {
	// ID is assigned by the store once persisted; zero before that.
	ID        int64     `json:"id,omitempty"`
	ZoneID    int64     `json:"zone_id"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      Kind      `json:"event_type"`
	TrackID   int64     `json:"tracker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Counts are running totals for display. Persisted events remain the
// source of truth for statistics.
type Counts struct {
	Entries int64 `json:"entries"`
	Exits   int64 `json:"exits"`
}

// EventWriter persists a batch of events atomically: either every event
// in the batch is stored or none is.
type EventWriter interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// EventWriterFunc adapts a function to EventWriter.
type EventWriterFunc func(ctx context.Context, events []Event) error

func (f EventWriterFunc) WriteEvents(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// InvalidObservationError describes why an observation was skipped.
type InvalidObservationError struct {
	TrackID int64
	Point   geometry.Point
	Reason  string
}

func (e *InvalidObservationError) Error() string {
	return fmt.Sprintf("invalid observation for track %d at (%v, %v): %s", e.TrackID, e.Point.X, e.Point.Y, e.Reason)
}

func (e *InvalidObservationError) Unwrap() error { return ErrInvalidObservation }
