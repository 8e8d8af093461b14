package fmq

import (
	"context"
)

// StartPosition selects where a new Reader begins.
type StartPosition int

const (
	// StartAtBeginning reads every message still held in the ring.
	StartAtBeginning StartPosition = iota
	// StartAtEnd skips existing messages and waits for new ones.
	StartAtEnd
)

func (p StartPosition) String() string {
	if p == StartAtEnd {
		return "end"
	}
	return "beginning"
}

// Reader walks a queue in message order. It is not safe for concurrent use.
type Reader struct {
	q        *Queue
	start    StartPosition
	next     int64
	started  bool
	overruns int64
}

// NewReader returns a reader positioned lazily on its first Next.
func NewReader(q *Queue, start StartPosition) *Reader {
	return &Reader{q: q, start: start}
}

func (r *Reader) position(ctx context.Context) error {
	if r.started {
		return nil
	}
	var err error
	switch r.start {
	case StartAtEnd:
		err = r.SeekToEnd(ctx)
	default:
		err = r.SeekToBeginning(ctx)
	}
	return err
}

// SeekToEnd positions the reader after the newest message.
func (r *Reader) SeekToEnd(ctx context.Context) error {
	last, err := r.q.Latest(ctx)
	if err != nil {
		return err
	}
	r.next = last + 1
	r.started = true
	return nil
}

// SeekToBeginning positions the reader on the oldest message in the ring.
func (r *Reader) SeekToBeginning(ctx context.Context) error {
	oldest, err := r.q.Oldest(ctx)
	if err != nil {
		return err
	}
	r.next = oldest
	r.started = true
	return nil
}

// Next returns the next message, or ErrNoMessage when the reader has
// caught up. If the writer lapped the reader, the reader skips to the
// oldest message still available and logs how many were lost.
func (r *Reader) Next(ctx context.Context) (Message, error) {
	if r.q.closed.Load() {
		return Message{}, ErrClosed
	}
	if err := r.position(ctx); err != nil {
		return Message{}, err
	}
	for {
		m, ok, err := r.q.slot(ctx, r.next)
		if err != nil {
			return Message{}, err
		}
		switch {
		case !ok || m.ID < r.next:
			return Message{}, ErrNoMessage
		case m.ID == r.next:
			r.next++
			return m, nil
		}

		oldest, err := r.q.Oldest(ctx)
		if err != nil {
			return Message{}, err
		}
		if oldest <= r.next {
			// The slot was rewritten between reads; look again.
			oldest = r.next + 1
		}
		lost := oldest - r.next
		r.overruns++
		logf("reader overrun on %s: skipped %d messages (%d -> %d)", r.q.path, lost, r.next, oldest)
		r.next = oldest
	}
}

// NextID returns the id the reader will return next.
func (r *Reader) NextID() int64 { return r.next }

// Overruns counts how often the writer lapped this reader.
func (r *Reader) Overruns() int64 { return r.overruns }
