package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/banshee-data/zonecount/internal/session"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("source closed")

// ChannelSource receives frames pushed by an external tracker.
type ChannelSource struct {
	frames chan session.Frame
	done   chan struct{}
	once   sync.Once
}

// NewChannelSource returns a source buffering up to size frames.
func NewChannelSource(size int) *ChannelSource {
	if size < 0 {
		size = 0
	}
	return &ChannelSource{
		frames: make(chan session.Frame, size),
		done:   make(chan struct{}),
	}
}

// Push queues f, blocking while the buffer is full.
func (s *ChannelSource) Push(ctx context.Context, f session.Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.frames <- f:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns queued frames in order. After Close it drains what is
// buffered and then returns io.EOF.
func (s *ChannelSource) Next(ctx context.Context) (session.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		select {
		case f := <-s.frames:
			return f, nil
		default:
			return session.Frame{}, io.EOF
		}
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

// Close ends the stream. It is idempotent.
func (s *ChannelSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
