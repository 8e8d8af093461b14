package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/pulsereader/internal/fmq"
	"github.com/banshee-data/pulsereader/internal/framing"
	"github.com/banshee-data/pulsereader/internal/packet"
)

// QueueOptions configure a QueueBackend.
type QueueOptions struct {
	Options

	Path  string
	Start fmq.StartPosition
	// NumSlots is used if the queue does not exist yet.
	NumSlots int
}

// QueueBackend reads envelopes from messages in an fmq queue. Each message
// holds one or more envelopes back to back.
type QueueBackend struct {
	base
	path     string
	start    fmq.StartPosition
	numSlots int

	q      *fmq.Queue
	r      *fmq.Reader
	msg    *framing.BytesSource
	msgID  int64
	framer *framing.Framer
}

// NewQueueBackend returns a backend that opens the queue on first use.
func NewQueueBackend(opts QueueOptions) (*QueueBackend, error) {
	if opts.Path == "" {
		return nil, errors.New("queue backend needs a path")
	}
	return &QueueBackend{
		base:     newBase(opts.Options, "fmq"),
		path:     opts.Path,
		start:    opts.Start,
		numSlots: opts.NumSlots,
	}, nil
}

// Queue returns the underlying queue, opening it if needed.
func (b *QueueBackend) Queue() (*fmq.Queue, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	return b.q, nil
}

func (b *QueueBackend) ensureOpen() error {
	if b.q != nil {
		return nil
	}
	q, err := fmq.Open(b.path, b.numSlots)
	if err != nil {
		return err
	}
	b.q = q
	b.r = fmq.NewReader(q, b.start)
	b.logf("opened %s (%d slots), starting at %s", b.path, q.NumSlots(), b.start)
	return nil
}

func (b *QueueBackend) FileChanged() bool { return false }

// NextEnvelope implements Backend.
func (b *QueueBackend) NextEnvelope(ctx context.Context) (*packet.Envelope, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	w := b.newWait("waiting for queue " + b.path)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.framer == nil {
			m, err := b.r.Next(ctx)
			if errors.Is(err, fmq.ErrNoMessage) {
				if err := w.pause(ctx, b.opts.PollInterval); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read queue %s: %w", b.path, err)
			}
			b.msg = framing.NewBytesSource(m.Data)
			b.msgID = m.ID
			b.framer = framing.NewFramer(b.msg, b.framingOptions())
		}

		env, err := b.framer.Next()
		var rerr *framing.ResyncError
		switch {
		case err == nil:
			if !b.accept(env) {
				continue
			}
			return env, nil
		case errors.Is(err, packet.ErrSchema):
			b.logf("message %d: discarding envelope: %v", b.msgID, err)
			b.opts.Stats.AddSchemaError()
		case errors.Is(err, io.EOF):
			b.framer, b.msg = nil, nil
		case errors.As(err, &rerr):
			b.logf("message %d: %v; dropping rest of message", b.msgID, err)
			b.framer, b.msg = nil, nil
		default:
			return nil, err
		}
	}
}

// Reset moves the reader back to the oldest message in the queue.
func (b *QueueBackend) Reset(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	b.framer, b.msg = nil, nil
	b.resetSeqs()
	return b.r.SeekToBeginning(ctx)
}

// SeekToEnd skips every message already in the queue.
func (b *QueueBackend) SeekToEnd(ctx context.Context) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	b.framer, b.msg = nil, nil
	return b.r.SeekToEnd(ctx)
}

// Close closes the queue if it was opened.
func (b *QueueBackend) Close() error {
	if b.q == nil {
		return nil
	}
	err := b.q.Close()
	b.q, b.r, b.framer, b.msg = nil, nil, nil, nil
	return err
}
