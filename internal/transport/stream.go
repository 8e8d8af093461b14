package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/banshee-data/pulsereader/internal/framing"
	"github.com/banshee-data/pulsereader/internal/packet"
)

// Conn is a connected byte stream that supports read deadlines.
type Conn interface {
	io.ReadCloser
	SetReadDeadline(t time.Time) error
}

// Dialer opens a Conn. String names the peer in logs.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

// TCPDialer connects to a digitizer over TCP.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	if nd.Timeout <= 0 {
		nd.Timeout = 5 * time.Second
	}
	c, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d TCPDialer) String() string { return "tcp://" + d.Addr }

// defaultReadSlice bounds a single blocking read so cancellation and
// heartbeats stay responsive.
const defaultReadSlice = 250 * time.Millisecond

// StreamOptions configure a StreamBackend.
type StreamOptions struct {
	Options

	Dialer Dialer
	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration
}

// StreamBackend reads envelopes from a live connection (TCP or serial),
// reconnecting with a fixed delay whenever the connection drops or the
// stream cannot be resynchronized.
type StreamBackend struct {
	base
	dialer         Dialer
	reconnectDelay time.Duration

	conn      Conn
	src       *framing.ReaderSource
	framer    *framing.Framer
	nextDial  time.Time
	connects  int
	lastDialE string
}

// NewStreamBackend returns a backend that dials lazily. The byte-swapped
// header heuristic is always enabled on live streams.
func NewStreamBackend(opts StreamOptions) (*StreamBackend, error) {
	if opts.Dialer == nil {
		return nil, errors.New("stream backend needs a dialer")
	}
	opts.AcceptSwapped = true
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	return &StreamBackend{
		base:           newBase(opts.Options, "stream"),
		dialer:         opts.Dialer,
		reconnectDelay: opts.ReconnectDelay,
	}, nil
}

// NewTCPBackend is shorthand for a StreamBackend with a TCPDialer.
func NewTCPBackend(addr string, opts StreamOptions) (*StreamBackend, error) {
	opts.Dialer = TCPDialer{Addr: addr}
	return NewStreamBackend(opts)
}

func (b *StreamBackend) FileChanged() bool { return false }

// Connected reports whether a connection is currently open.
func (b *StreamBackend) Connected() bool { return b.conn != nil }

// NextEnvelope implements Backend.
func (b *StreamBackend) NextEnvelope(ctx context.Context) (*packet.Envelope, error) {
	w := b.newWait("waiting for " + b.dialer.String())
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.conn == nil {
			if wait := b.opts.Clock.Until(b.nextDial); wait > 0 {
				if err := w.pause(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			if err := b.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				b.nextDial = b.opts.Clock.Now().Add(b.reconnectDelay)
				if err := w.pause(ctx, 0); err != nil {
					return nil, err
				}
				continue
			}
		}

		slice := w.remaining(defaultReadSlice)
		if slice <= 0 {
			return nil, ErrTimeout
		}
		if err := b.conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
			b.drop(fmt.Errorf("set read deadline: %w", err))
			continue
		}

		env, err := b.framer.Next()
		switch {
		case err == nil:
			if !b.accept(env) {
				continue
			}
			return env, nil
		case errors.Is(err, packet.ErrSchema):
			b.logf("%s: discarding envelope: %v", b.dialer, err)
			b.opts.Stats.AddSchemaError()
		case isTimeout(err):
			if err := w.pause(ctx, 0); err != nil {
				return nil, err
			}
		default:
			b.drop(err)
		}
	}
}

func (b *StreamBackend) connect(ctx context.Context) error {
	c, err := b.dialer.Dial(ctx)
	if err != nil {
		// Repeated identical failures are logged once.
		if msg := err.Error(); msg != b.lastDialE {
			b.logf("connect %s failed: %v; retrying every %s", b.dialer, err, b.reconnectDelay)
			b.lastDialE = msg
		}
		return err
	}
	b.lastDialE = ""
	b.conn = c
	b.src = framing.NewReaderSource(c)
	b.framer = framing.NewFramer(b.src, b.framingOptions())
	if b.connects > 0 {
		b.opts.Stats.AddReconnect()
	}
	b.connects++
	b.logf("connected to %s", b.dialer)
	return nil
}

// drop closes the connection after a read failure and schedules a
// reconnect.
func (b *StreamBackend) drop(cause error) {
	var rerr *framing.ResyncError
	switch {
	case errors.Is(cause, io.EOF):
		b.logf("%s closed the connection; reconnecting in %s", b.dialer, b.reconnectDelay)
	case errors.As(cause, &rerr):
		b.logf("%s: %v; reconnecting in %s", b.dialer, cause, b.reconnectDelay)
	default:
		b.logf("%s: read error: %v; reconnecting in %s", b.dialer, cause, b.reconnectDelay)
	}
	b.closeConn()
	b.nextDial = b.opts.Clock.Now().Add(b.reconnectDelay)
}

func (b *StreamBackend) closeConn() {
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn, b.src, b.framer = nil, nil, nil
}

// Reset drops the connection and reconnects on the next read without
// waiting for the reconnect delay.
func (b *StreamBackend) Reset(ctx context.Context) error {
	b.closeConn()
	b.nextDial = time.Time{}
	b.resetSeqs()
	return nil
}

// SeekToEnd is a no-op on a live stream.
func (b *StreamBackend) SeekToEnd(ctx context.Context) error { return nil }

// Close closes the connection.
func (b *StreamBackend) Close() error {
	b.closeConn()
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
