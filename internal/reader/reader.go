// Package reader is the pull loop that turns a transport's envelopes into
// pulses. It feeds info envelopes to the ops info aggregator, withholds
// pulses until the essential info has been seen, and stamps each pulse with
// the context that was current when it arrived.
package reader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/opsinfo"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/pulse"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/transport"
)

// State is the reader's position in its two-state lifecycle.
type State int

const (
	// AwaitingEssentialInfo drops pulses until RadarInfo and Processing
	// have both been absorbed.
	AwaitingEssentialInfo State = iota
	Streaming
)

func (s State) String() string {
	switch s {
	case AwaitingEssentialInfo:
		return "awaiting-essential-info"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a Reader.
type Options struct {
	Pulse pulse.Options

	// ClearInfoOnFileChange forgets all ops info, and waits for the
	// essential info again, whenever the file backend opens a new file.
	ClearInfoOnFileChange bool

	// MaxStaleRun controls the duplicate guard. Zero drops every pulse
	// whose sequence number is not above the last one returned, so
	// returned sequence numbers never decrease. A positive value accepts a
	// lower sequence number after that many consecutive stale pulses as a
	// radar restart; that pulse has SeqRestart set. Negative disables the
	// guard.
	MaxStaleRun int

	Stats stats.Sink

	// SessionID labels logs and metrics. A random id is used when unset.
	SessionID uuid.UUID
}

// Reader produces pulses from one backend. NextPulse, Reset, SeekToEnd
// and Close must be called from a single goroutine; Status may be called
// from anywhere.
type Reader struct {
	backend transport.Backend
	opts    Options
	agg     *opsinfo.Aggregator
	asm     *pulse.Assembler
	id      uuid.UUID
	logf    func(format string, v ...interface{})

	state    State
	lastSeq  int64
	haveLast bool
	stale    int
	pulses   int64
	restarts int64

	status atomic.Pointer[Status]

	// keepLast is set once admin routes are mounted; last then holds a
	// private copy of the most recent pulse.
	keepLast atomic.Bool
	last     atomic.Pointer[pulse.Pulse]
}

// New returns a reader pulling from backend. The reader owns backend and
// closes it in Close.
func New(backend transport.Backend, opts Options) *Reader {
	opts.Stats = stats.OrNoop(opts.Stats)
	id := opts.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	}
	r := &Reader{
		backend: backend,
		opts:    opts,
		agg:     opsinfo.New(),
		asm:     pulse.NewAssembler(opts.Pulse),
		id:      id,
		logf:    monitoring.Tagged("reader " + id.String()[:8]),
	}
	r.publish(nil)
	return r
}

// SessionID identifies this reader in logs and metrics.
func (r *Reader) SessionID() string { return r.id.String() }

// State returns the current lifecycle state.
func (r *Reader) State() State { return r.state }

// OpsInfo returns the reader's aggregator. Callers must not use it
// concurrently with NextPulse.
func (r *Reader) OpsInfo() *opsinfo.Aggregator { return r.agg }

// NextPulse returns the next pulse. At the end of a finite stream it
// returns an error matching io.EOF, which also wraps a *framing.ResyncError
// when the stream ended inside a corrupt tail. It returns
// transport.ErrTimeout when a non-blocking wait expires, and ctx.Err() on
// cancellation.
func (r *Reader) NextPulse(ctx context.Context) (*pulse.Pulse, error) {
	for {
		env, err := r.backend.NextEnvelope(ctx)
		if err != nil {
			return nil, err
		}
		if r.opts.ClearInfoOnFileChange && r.backend.FileChanged() {
			r.logf("new file; clearing ops info")
			r.agg.Reset()
			r.setState(AwaitingEssentialInfo)
		}

		if env.Kind != packet.KindPulse {
			if err := r.agg.AbsorbEnvelope(env); err != nil {
				r.schemaError(env, err)
				continue
			}
			if r.state == AwaitingEssentialInfo && r.agg.IsEssentialReady() {
				r.setState(Streaming)
				r.agg.LogSummary()
			}
			r.publish(nil)
			continue
		}

		if r.state == AwaitingEssentialInfo {
			r.opts.Stats.AddDroppedAwaiting()
			continue
		}

		body, err := packet.Decode(env)
		if err != nil {
			r.schemaError(env, err)
			continue
		}
		h := body.(packet.PulseHeader)
		admitted, restart := r.admit(h.PulseSeq)
		if !admitted {
			r.opts.Stats.AddDuplicate()
			continue
		}

		p := r.asm.AssembleHeader(env, h, r.agg)
		p.SeqRestart = restart
		p.InfoChanged = r.agg.HasChangedSince(r.backend.PrevPulsePacketSeq())
		r.pulses++
		r.opts.Stats.AddPulse()
		r.publish(p)
		return p, nil
	}
}

// admit applies the duplicate guard to a pulse sequence number. restart
// is set when a lower sequence number is accepted after a stale run.
func (r *Reader) admit(seq int64) (admitted, restart bool) {
	if r.opts.MaxStaleRun < 0 || !r.haveLast || seq > r.lastSeq {
		r.lastSeq, r.haveLast, r.stale = seq, true, 0
		return true, false
	}
	r.stale++
	if r.opts.MaxStaleRun == 0 || r.stale <= r.opts.MaxStaleRun {
		return false, false
	}
	r.logf("%d consecutive stale pulses; assuming the radar restarted at pulse %d (last emitted %d)",
		r.stale, seq, r.lastSeq)
	r.lastSeq, r.stale = seq, 0
	r.restarts++
	return true, true
}

func (r *Reader) schemaError(env *packet.Envelope, err error) {
	if errors.Is(err, packet.ErrSchema) {
		r.opts.Stats.AddSchemaError()
	}
	r.logf("discarding %s seq=%d: %v", env.Kind, env.Seq, err)
}

func (r *Reader) setState(s State) {
	if r.state == s {
		return
	}
	r.logf("%s -> %s", r.state, s)
	r.state = s
}

// Reset rewinds the backend and forgets all ops info and duplicate guard
// state.
func (r *Reader) Reset(ctx context.Context) error {
	if err := r.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset backend: %w", err)
	}
	r.agg.Reset()
	r.state = AwaitingEssentialInfo
	r.lastSeq, r.haveLast, r.stale = 0, false, 0
	r.publish(nil)
	return nil
}

// SeekToEnd skips everything the backend already has. Ops info and the
// reader state are kept.
func (r *Reader) SeekToEnd(ctx context.Context) error {
	if err := r.backend.SeekToEnd(ctx); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	return nil
}

// Close closes the backend.
func (r *Reader) Close() error {
	return r.backend.Close()
}

// Status is a point-in-time summary of the reader, safe to read from any
// goroutine.
type Status struct {
	SessionID     string         `json:"session_id"`
	State         string         `json:"state"`
	Pulses        int64          `json:"pulses"`
	LastPulseSeq  int64          `json:"last_pulse_seq,omitempty"`
	LastPulseTime time.Time      `json:"last_pulse_time,omitempty"`
	InfoCounts    map[string]int `json:"info_counts"`
	Essential     bool           `json:"essential_ready"`
	SeqRestarts   int64          `json:"seq_restarts,omitempty"`

	info opsinfo.Snapshot
}

// Status returns the most recently published summary.
func (r *Reader) Status() Status { return *r.status.Load() }

// publish refreshes the shared status. Info fields are recopied only when
// p is nil; a pulse only updates the pulse fields.
func (r *Reader) publish(p *pulse.Pulse) {
	prev := r.status.Load()
	var st Status
	if p != nil && r.keepLast.Load() {
		cp := *p
		cp.Raw = slices.Clone(p.Raw)
		cp.IQ = slices.Clone(p.IQ)
		r.last.Store(&cp)
	}
	if p != nil && prev != nil {
		st = *prev
		st.LastPulseSeq = p.PulseSeq
		st.LastPulseTime = p.Time
	} else {
		counts := r.agg.Counts()
		st = Status{
			SessionID:  r.id.String(),
			InfoCounts: make(map[string]int, len(counts)),
			Essential:  r.agg.IsEssentialReady(),
			info:       r.agg.Snapshot(),
		}
		for k, n := range counts {
			st.InfoCounts[k.String()] = n
		}
		if prev != nil {
			st.LastPulseSeq, st.LastPulseTime = prev.LastPulseSeq, prev.LastPulseTime
		}
	}
	st.State = r.state.String()
	st.Pulses = r.pulses
	st.SeqRestarts = r.restarts
	r.status.Store(&st)
}
