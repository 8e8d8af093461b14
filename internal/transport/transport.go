// Package transport supplies envelopes from the places a pulse stream can
// come from: archived or realtime files (including pcap captures), a
// persistent message queue, a TCP socket, or a serial line. All of them
// frame bytes through the shared framing.Framer.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/pulsereader/internal/framing"
	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/timeutil"
)

// ErrTimeout is returned by NextEnvelope in non-blocking mode when no
// envelope arrived within the configured timeout. It is distinct from
// io.EOF, which means the stream has ended.
var ErrTimeout = errors.New("transport: timeout waiting for data")

// errWouldBlock marks a source that has no bytes yet but may get more.
var errWouldBlock = errors.New("transport: no data available yet")

// Backend is one source of envelopes.
type Backend interface {
	// NextEnvelope returns the next envelope that passes the radar filter.
	// It returns io.EOF at the end of a finite stream and ErrTimeout when a
	// non-blocking wait expires.
	NextEnvelope(ctx context.Context) (*packet.Envelope, error)

	// FileChanged reports whether the most recent NextEnvelope crossed a
	// file boundary. Only the file backend ever returns true.
	FileChanged() bool

	// PrevPulsePacketSeq and LatestPulsePacketSeq are the packet sequence
	// numbers of the two most recent pulse envelopes.
	PrevPulsePacketSeq() int64
	LatestPulsePacketSeq() int64

	// Reset rewinds to the start of the stream where that makes sense.
	Reset(ctx context.Context) error
	// SeekToEnd skips everything already available.
	SeekToEnd(ctx context.Context) error

	Close() error
}

// Default option values.
const (
	DefaultTimeout           = time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultReconnectDelay    = 2 * time.Second
)

// Options are shared by every backend.
type Options struct {
	// RadarID filters envelopes to a single radar. Zero disables the filter.
	RadarID int32

	// Blocking waits indefinitely for data. When false, NextEnvelope gives
	// up with ErrTimeout after Timeout.
	Blocking bool
	Timeout  time.Duration

	Heartbeat         monitoring.Heartbeat
	HeartbeatInterval time.Duration

	// PollInterval is how often idle file and queue backends check for new
	// data.
	PollInterval time.Duration

	// AcceptSwapped enables the byte-swapped header heuristic. Socket and
	// serial backends force it on.
	AcceptSwapped bool

	Stats stats.Sink
	Clock timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	o.Stats = stats.OrNoop(o.Stats)
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// base holds the behaviour shared by all backends: radar filtering, pulse
// sequence tracking and the wait loop.
type base struct {
	opts   Options
	logf   func(format string, v ...interface{})
	prev   int64
	latest int64
}

func newBase(opts Options, tag string) base {
	return base{opts: opts.withDefaults(), logf: monitoring.Tagged(tag)}
}

func (b *base) PrevPulsePacketSeq() int64   { return b.prev }
func (b *base) LatestPulsePacketSeq() int64 { return b.latest }

func (b *base) framingOptions() framing.Options {
	return framing.Options{
		AcceptSwapped: b.opts.AcceptSwapped,
		OnResync: func(skipped int, marker bool) {
			b.opts.Stats.AddResync(skipped)
		},
	}
}

// accept counts env and applies the radar filter. It returns false when
// env must be skipped.
func (b *base) accept(env *packet.Envelope) bool {
	b.opts.Stats.AddEnvelope(env.Kind, len(env.Raw))
	if b.opts.RadarID != 0 && env.RadarID != b.opts.RadarID {
		b.opts.Stats.AddFiltered()
		return false
	}
	if env.Kind == packet.KindPulse {
		b.prev = b.latest
		b.latest = env.Seq
	}
	return true
}

func (b *base) resetSeqs() {
	b.prev, b.latest = 0, 0
}

// wait tracks the deadline and heartbeat cadence of one NextEnvelope call.
type wait struct {
	b        *base
	status   string
	deadline time.Time
	nextBeat time.Time
}

func (b *base) newWait(status string) *wait {
	now := b.opts.Clock.Now()
	w := &wait{b: b, status: status, nextBeat: now.Add(b.opts.HeartbeatInterval)}
	if !b.opts.Blocking {
		w.deadline = now.Add(b.opts.Timeout)
	}
	return w
}

// expired reports whether a non-blocking wait has run out of time.
func (w *wait) expired() bool {
	return !w.deadline.IsZero() && !w.b.opts.Clock.Now().Before(w.deadline)
}

// remaining returns the time left before the deadline, capped at d.
func (w *wait) remaining(d time.Duration) time.Duration {
	if w.deadline.IsZero() {
		return d
	}
	left := w.b.opts.Clock.Until(w.deadline)
	if left < d {
		return left
	}
	return d
}

// pause sleeps for d (or until the deadline), beating the heartbeat when
// due. It returns ErrTimeout once a non-blocking wait has expired and
// ctx.Err() on cancellation.
func (w *wait) pause(ctx context.Context, d time.Duration) error {
	if w.expired() {
		return ErrTimeout
	}
	if d = w.remaining(d); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.b.opts.Clock.After(d):
		}
	}
	w.beat()
	if w.expired() {
		return ErrTimeout
	}
	return nil
}

func (w *wait) beat() {
	now := w.b.opts.Clock.Now()
	if now.Before(w.nextBeat) {
		return
	}
	w.b.opts.Heartbeat.Beat(w.status)
	w.nextBeat = now.Add(w.b.opts.HeartbeatInterval)
}
