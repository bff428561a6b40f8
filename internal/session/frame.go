// Package session drives one zone's crossing engine over a stream of
// tracker frames and persists the resulting events in batches.
package session

import (
	"context"

	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/geometry"
)

// Detection is one tracked object in a frame. Box is x1, y1, x2, y2 in
// pixel coordinates.
type Detection struct {
	TrackID int64      `json:"track_id"`
	Box     [4]float64 `json:"box"`
}

// Observation reduces the detection to its reference point, the midpoint
// of the box's bottom edge.
func (d Detection) Observation() crossing.Observation {
	return crossing.Observation{
		TrackID: d.TrackID,
		Point:   geometry.BottomCenter(d.Box[0], d.Box[1], d.Box[2], d.Box[3]),
	}
}

// Frame is the tracker output for one video frame.
type Frame struct {
	Index      int64       `json:"frame"`
	Detections []Detection `json:"detections"`
}

// Observations converts every detection in the frame, preserving order.
func (f Frame) Observations() []crossing.Observation {
	out := make([]crossing.Observation, len(f.Detections))
	for i, d := range f.Detections {
		out[i] = d.Observation()
	}
	return out
}

// FrameSource yields frames in order. Next returns io.EOF once the source is
// exhausted, which ends the session normally. Sources that also implement
// io.Closer are closed when the session ends.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// Zone is the region a session evaluates.
type Zone struct {
	ID      int64
	Name    string
	Polygon *geometry.Polygon
}
