package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrSchema marks a recognized envelope whose payload fails validation.
// The stream stays aligned; the envelope is simply discarded.
var ErrSchema = errors.New("packet schema error")

// Info is the common metadata block that follows every header.
type Info struct {
	Seq     int64
	Version int32
	RadarID int32
	Time    time.Time
}

// Envelope is one framed unit of the stream. Raw holds the complete packet
// including the header.
type Envelope struct {
	Header
	Info
	Raw []byte
}

// NewEnvelope wraps the bytes of a complete packet whose header has already
// been validated.
func NewEnvelope(h Header, raw []byte) (*Envelope, error) {
	if uint32(len(raw)) != h.Length {
		return nil, fmt.Errorf("%w: %s envelope has %d bytes, header declares %d", ErrSchema, h.Kind, len(raw), h.Length)
	}
	if len(raw) < CommonInfoSize {
		return nil, fmt.Errorf("%w: %s envelope shorter than common info", ErrSchema, h.Kind)
	}
	f := fields{b: raw, order: h.Order}
	secs := f.i64(24)
	nanos := f.i32(32)
	if nanos < 0 || nanos >= int32(time.Second) {
		return nil, fmt.Errorf("%w: %s nanoseconds out of range: %d", ErrSchema, h.Kind, nanos)
	}
	return &Envelope{
		Header: h,
		Info: Info{
			Seq:     f.i64(8),
			Version: f.i32(16),
			RadarID: f.i32(20),
			Time:    time.Unix(secs, int64(nanos)).UTC(),
		},
		Raw: raw,
	}, nil
}

// Payload returns the bytes following the 8-byte header.
func (e *Envelope) Payload() []byte {
	return e.Raw[HeaderSize:]
}

// fields reads fixed-offset values from a packet in the producer's byte order.
type fields struct {
	b     []byte
	order binary.ByteOrder
}

func (f fields) u32(off int) uint32 { return f.order.Uint32(f.b[off : off+4]) }
func (f fields) i32(off int) int32  { return int32(f.u32(off)) }
func (f fields) i64(off int) int64  { return int64(f.order.Uint64(f.b[off : off+8])) }

func (f fields) f32(off int) float32 {
	return math.Float32frombits(f.u32(off))
}

func (f fields) f64(off int) float64 {
	return math.Float64frombits(f.order.Uint64(f.b[off : off+8]))
}

// str reads a nul-padded fixed-width string.
func (f fields) str(off, n int) string {
	s := f.b[off : off+n]
	for i, c := range s {
		if c == 0 {
			return string(s[:i])
		}
	}
	return string(s)
}
