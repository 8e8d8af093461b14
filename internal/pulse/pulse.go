// Package pulse assembles output pulses from pulse envelopes, stamping the
// pending scan events and the nearest valid georeference sample.
package pulse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/pulsereader/internal/opsinfo"
	"github.com/banshee-data/pulsereader/internal/packet"
)

// ErrNotPulse is returned by Assemble for envelopes that do not carry a
// pulse. Callers keep pulling.
var ErrNotPulse = errors.New("pulse: envelope is not a pulse")

// DefaultGeorefTolerance is the largest time difference between a pulse and
// an attached georeference sample.
const DefaultGeorefTolerance = time.Second

// Pulse is one transmit/receive cycle with its context attached.
type Pulse struct {
	PulseSeq  int64
	PacketSeq int64
	RadarID   int32
	Time      time.Time

	Elevation    float32
	Azimuth      float32
	PrtUs        float32
	PulseWidthUs float32
	NGates       int
	NChannels    int
	HvFlag       int32
	Encoding     packet.Encoding
	Scale        float32
	Offset       float32

	// Raw holds the sample bytes in the producer's encoding and byte order.
	Raw   []byte
	Order binary.ByteOrder
	// IQ holds interleaved I,Q float32 values per channel then gate. It is
	// only filled when float conversion is enabled.
	IQ []float32

	Events uint32

	Georef          *packet.Georef
	GeorefTime      time.Time
	GeorefSecondary bool

	// InfoChanged is set when any ops info packet arrived since the
	// previous pulse.
	InfoChanged bool

	// SeqRestart marks the first pulse the reader accepted after the
	// radar's pulse counter went backwards.
	SeqRestart bool
}

func (p *Pulse) StartOfSweep() bool  { return p.Events&packet.EventStartOfSweep != 0 }
func (p *Pulse) EndOfSweep() bool    { return p.Events&packet.EventEndOfSweep != 0 }
func (p *Pulse) StartOfVolume() bool { return p.Events&packet.EventStartOfVolume != 0 }
func (p *Pulse) EndOfVolume() bool   { return p.Events&packet.EventEndOfVolume != 0 }

// Options control pulse assembly.
type Options struct {
	GeorefTolerance time.Duration
	// PreferSecondary selects the secondary georeference slot when it holds
	// a sample within tolerance.
	PreferSecondary bool
	ConvertToFloat  bool
	// CopyPulseWidth overrides the header pulse width with the value from
	// the latest processing info.
	CopyPulseWidth bool
}

// Assembler builds pulses. The zero value is usable with default options.
type Assembler struct {
	opts Options
}

// NewAssembler returns an assembler; a zero tolerance selects
// DefaultGeorefTolerance.
func NewAssembler(opts Options) *Assembler {
	if opts.GeorefTolerance <= 0 {
		opts.GeorefTolerance = DefaultGeorefTolerance
	}
	return &Assembler{opts: opts}
}

// Assemble builds a pulse from env using the current ops info. It takes the
// pending scan events from agg, so each transition is reported once.
func (a *Assembler) Assemble(env *packet.Envelope, agg *opsinfo.Aggregator) (*Pulse, error) {
	if env.Kind != packet.KindPulse {
		return nil, ErrNotPulse
	}
	body, err := packet.Decode(env)
	if err != nil {
		return nil, err
	}
	return a.AssembleHeader(env, body.(packet.PulseHeader), agg), nil
}

// AssembleHeader builds a pulse from env and its already decoded header.
func (a *Assembler) AssembleHeader(env *packet.Envelope, h packet.PulseHeader, agg *opsinfo.Aggregator) *Pulse {
	p := &Pulse{
		PulseSeq:     h.PulseSeq,
		PacketSeq:    env.Seq,
		RadarID:      env.RadarID,
		Time:         env.Time,
		Elevation:    h.Elevation,
		Azimuth:      h.Azimuth,
		PrtUs:        h.PrtUs,
		PulseWidthUs: h.PulseWidthUs,
		NGates:       int(h.NGates),
		NChannels:    int(h.NChannels),
		HvFlag:       h.HvFlag,
		Encoding:     h.Encoding,
		Scale:        h.Scale,
		Offset:       h.Offset,
		Raw:          h.Data,
		Order:        env.Order,
	}
	if a.opts.ConvertToFloat {
		p.IQ = Convert(h, env.Order)
	}
	p.Events = agg.TakeEvents()

	tol := a.opts.GeorefTolerance
	if tol <= 0 {
		tol = DefaultGeorefTolerance
	}
	if g, at, secondary, ok := selectGeoref(agg, p.Time, tol, a.opts.PreferSecondary); ok {
		p.Georef = &g
		p.GeorefTime = at
		p.GeorefSecondary = secondary
	}

	if a.opts.CopyPulseWidth {
		if proc, ok := agg.Processing(); ok {
			p.PulseWidthUs = proc.PulseWidthUs
		}
	}
	return p
}

// selectGeoref picks the secondary sample when preferred and in tolerance,
// else the primary when in tolerance.
func selectGeoref(agg *opsinfo.Aggregator, at time.Time, tol time.Duration, preferSecondary bool) (packet.Georef, time.Time, bool, bool) {
	if preferSecondary {
		if g, gt, ok := agg.Georef(true); ok && within(at, gt, tol) {
			return g, gt, true, true
		}
	}
	if g, gt, ok := agg.Georef(false); ok && within(at, gt, tol) {
		return g, gt, false, true
	}
	return packet.Georef{}, time.Time{}, false, false
}

// within reports whether a lies in [b-tol, b+tol]. Bounds are compared as
// times because a.Sub(b) saturates for far-apart times.
func within(a, b time.Time, tol time.Duration) bool {
	return !a.Before(b.Add(-tol)) && !a.After(b.Add(tol))
}

// Convert unpacks the sample data of h to float32, applying scale and
// offset for the integer encodings.
func Convert(h packet.PulseHeader, order binary.ByteOrder) []float32 {
	n := int(h.NData)
	out := make([]float32, n)
	switch h.Encoding {
	case packet.EncodingFloat32:
		for i := range out {
			out[i] = math.Float32frombits(order.Uint32(h.Data[4*i:]))
		}
	case packet.EncodingScaledInt16:
		for i := range out {
			out[i] = float32(int16(order.Uint16(h.Data[2*i:])))*h.Scale + h.Offset
		}
	case packet.EncodingScaledInt32:
		for i := range out {
			out[i] = float32(int32(order.Uint32(h.Data[4*i:])))*h.Scale + h.Offset
		}
	}
	return out
}

// String is a compact one-line description used in logs.
func (p *Pulse) String() string {
	return fmt.Sprintf("pulse seq=%d pkt=%d t=%s el=%.2f az=%.2f gates=%d ch=%d",
		p.PulseSeq, p.PacketSeq, p.Time.Format(time.RFC3339Nano), p.Elevation, p.Azimuth, p.NGates, p.NChannels)
}
