package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/banshee-data/zonecount/internal/session"
)

const maxJSONLLine = 4 << 20

// JSONLSource reads one JSON frame per line:
//
//	{"frame": 12, "detections": [{"track_id": 4, "box": [x1, y1, x2, y2]}]}
//
// Blank lines are ignored and malformed lines are logged and skipped.
type JSONLSource struct {
	sc      *bufio.Scanner
	closer  io.Closer
	line    int
	skipped int
}

func NewJSONLSource(r io.Reader) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)
	s := &JSONLSource{sc: sc}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *JSONLSource) Next(ctx context.Context) (session.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return session.Frame{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return session.Frame{}, fmt.Errorf("read JSONL line %d: %w", s.line+1, err)
			}
			return session.Frame{}, io.EOF
		}
		s.line++
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f session.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.skipped++
			logf("JSONL line %d: %v", s.line, err)
			continue
		}
		return f, nil
	}
}

// Skipped returns the number of malformed lines dropped.
func (s *JSONLSource) Skipped() int { return s.skipped }

func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
