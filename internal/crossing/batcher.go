package crossing

import (
	"context"
	"fmt"
)

// DefaultBatchSize is the number of buffered events that triggers a flush.
const DefaultBatchSize = 5

// Batcher buffers events until they are handed to an EventWriter. It never
// drops events: a failed Flush leaves the buffer untouched for a retry.
type Batcher struct {
	threshold int
	buf       []Event
}

// NewBatcher returns a Batcher that asks to be flushed once threshold
// events are buffered. A non-positive threshold uses DefaultBatchSize.
func NewBatcher(threshold int) *Batcher {
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	return &Batcher{threshold: threshold, buf: make([]Event, 0, threshold)}
}

// Offer appends ev to the buffer.
func (b *Batcher) Offer(ev Event) {
	b.buf = append(b.buf, ev)
}

// ShouldFlush reports whether the buffer has reached the threshold.
func (b *Batcher) ShouldFlush() bool { return len(b.buf) >= b.threshold }

// Len returns the number of buffered events.
func (b *Batcher) Len() int { return len(b.buf) }

// Threshold returns the configured flush size.
func (b *Batcher) Threshold() int { return b.threshold }

// Pending returns a copy of the buffered events without clearing them.
func (b *Batcher) Pending() []Event {
	out := make([]Event, len(b.buf))
	copy(out, b.buf)
	return out
}

// Drain returns the buffered events and clears the buffer. Callers that
// need the write-then-clear guarantee should use Flush instead.
func (b *Batcher) Drain() []Event {
	out := b.Pending()
	b.buf = b.buf[:0]
	return out
}

// Flush hands every buffered event to w as one batch and clears the
// buffer only after w confirms the write. It returns the number of events
// written. An empty buffer is a no-op.
func (b *Batcher) Flush(ctx context.Context, w EventWriter) (int, error) {
	if len(b.buf) == 0 {
		return 0, nil
	}
	batch := b.Pending()
	if err := w.WriteEvents(ctx, batch); err != nil {
		return 0, fmt.Errorf("%w: %d events retained: %w", ErrStorageWriteFailed, len(batch), err)
	}
	b.buf = b.buf[:0]
	return len(batch), nil
}
