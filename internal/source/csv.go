// Package source adapts tracker output into session frames.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/zonecount/internal/monitoring"
	"github.com/banshee-data/zonecount/internal/session"
)

var logf = monitoring.Component("source")

// csvColumns maps each detection field to the header names accepted for it.
var csvColumns = map[string][]string{
	"frame":    {"frame_number", "frame"},
	"track_id": {"track_id", "tracker_id"},
	"x1":       {"x1", "bbox_x1"},
	"y1":       {"y1", "bbox_y1"},
	"x2":       {"x2", "bbox_x2"},
	"y2":       {"y2", "bbox_y2"},
}

type csvRow struct {
	frame int64
	det   session.Detection
}

// CSVSource replays tracker rows of frame_number,track_id,x1,y1,x2,y2.
// Consecutive rows with the same frame number form one frame. Rows that
// fail to parse are logged and skipped.
type CSVSource struct {
	r       *csv.Reader
	closer  io.Closer
	cols    map[string]int
	pending *csvRow
	line    int
	skipped int
}

// NewCSVSource reads the header from r. If r is an io.Closer it is closed
// with the source.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	colMap := make(map[string]int, len(header))
	for i, col := range header {
		colMap[col] = i
	}

	cols := make(map[string]int, len(csvColumns))
	for field, names := range csvColumns {
		idx := -1
		for _, name := range names {
			if i, ok := colMap[name]; ok {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("CSV header missing column %q", names[0])
		}
		cols[field] = idx
	}

	s := &CSVSource{r: cr, cols: cols, line: 1}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Next returns the next frame, or io.EOF once every row has been read.
func (s *CSVSource) Next(ctx context.Context) (session.Frame, error) {
	var frame session.Frame
	started := false
	if s.pending != nil {
		frame = session.Frame{Index: s.pending.frame, Detections: []session.Detection{s.pending.det}}
		s.pending = nil
		started = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return session.Frame{}, err
		}
		row, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			if started {
				return frame, nil
			}
			return session.Frame{}, io.EOF
		}
		s.line++
		if err != nil {
			s.skipped++
			logf("CSV line %d: %v", s.line, err)
			continue
		}

		parsed, err := s.parseRow(row)
		if err != nil {
			s.skipped++
			logf("CSV line %d: %v", s.line, err)
			continue
		}
		if !started {
			frame = session.Frame{Index: parsed.frame}
			started = true
		}
		if parsed.frame != frame.Index {
			s.pending = &parsed
			return frame, nil
		}
		frame.Detections = append(frame.Detections, parsed.det)
	}
}

func (s *CSVSource) parseRow(row []string) (csvRow, error) {
	field := func(name string) (string, error) {
		i := s.cols[name]
		if i >= len(row) {
			return "", fmt.Errorf("missing %s", name)
		}
		return row[i], nil
	}

	var out csvRow
	raw, err := field("frame")
	if err != nil {
		return out, err
	}
	if out.frame, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return out, fmt.Errorf("invalid frame_number: %w", err)
	}
	if raw, err = field("track_id"); err != nil {
		return out, err
	}
	if out.det.TrackID, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return out, fmt.Errorf("invalid track_id: %w", err)
	}
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		if raw, err = field(name); err != nil {
			return out, err
		}
		if out.det.Box[i], err = strconv.ParseFloat(raw, 64); err != nil {
			return out, fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return out, nil
}

// Skipped returns the number of rows dropped as unparseable.
func (s *CSVSource) Skipped() int { return s.skipped }

// Close closes the underlying reader if it is closable.
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
