package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/zonecount/internal/session"
)

// SliceSource replays a fixed set of frames.
type SliceSource struct {
	frames []session.Frame
	next   int
}

func NewSliceSource(frames ...session.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (session.Frame, error) {
	if err := ctx.Err(); err != nil {
		return session.Frame{}, err
	}
	if s.next >= len(s.frames) {
		return session.Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// Open returns a replay source for path chosen by its extension: .csv for
// tracker rows, .jsonl or .ndjson for JSON frames.
func Open(path string) (session.FrameSource, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".jsonl" && ext != ".ndjson" {
		return nil, fmt.Errorf("unsupported replay format %q (want .csv, .jsonl or .ndjson)", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	if ext == ".csv" {
		src, err := NewCSVSource(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return src, nil
	}
	return NewJSONLSource(f), nil
}
