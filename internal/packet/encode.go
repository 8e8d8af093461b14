package packet

import (
	"encoding/binary"
	"math"
)

// Encode serializes body with the common info block in little-endian order.
func Encode(info Info, body Body) []byte {
	return EncodeOrder(binary.LittleEndian, info, body)
}

// EncodeOrder serializes body using the given byte order. Producers on
// big-endian hosts emit whole packets in their native order.
func EncodeOrder(order binary.ByteOrder, info Info, body Body) []byte {
	var size int
	switch b := body.(type) {
	case RadarInfo:
		size = radarInfoSize
	case ScanSegment:
		size = scanSegmentSize
	case Processing:
		size = processingSize
	case StatusText:
		size = statusTextMin + len(b.Text)
	case Calibration:
		size = calibrationSize
	case Georef:
		size = georefSize
	case PulseHeader:
		size = PulseDataStart + len(b.Data)
	}

	w := writer{b: make([]byte, size), order: order}
	w.u32(0, uint32(body.Kind()))
	w.u32(4, uint32(size))
	w.i64(8, info.Seq)
	w.i32(16, info.Version)
	w.i32(20, info.RadarID)
	if !info.Time.IsZero() {
		w.i64(24, info.Time.Unix())
		w.i32(32, int32(info.Time.Nanosecond()))
	}

	switch b := body.(type) {
	case RadarInfo:
		w.f64(40, b.Latitude)
		w.f64(48, b.Longitude)
		w.f64(56, b.AltitudeM)
		w.i32(64, b.PlatformType)
		w.f32(68, b.BeamWidthH)
		w.f32(72, b.BeamWidthV)
		w.f32(76, b.WavelengthCm)
		w.str(80, 32, b.RadarName)
		w.str(112, 32, b.SiteName)
	case ScanSegment:
		w.i32(40, b.ScanMode)
		w.i32(44, b.VolumeNum)
		w.i32(48, b.SweepNum)
		w.u32(52, b.Events)
		w.f32(56, b.FixedAngle)
	case Processing:
		w.i32(40, b.XmitRcvMode)
		w.i32(44, b.PolMode)
		w.f32(48, b.PulseWidthUs)
		w.f32(52, b.PrtUs)
		w.f32(56, b.StartRangeM)
		w.f32(60, b.GateSpacingM)
		w.i32(64, b.MaxGates)
	case StatusText:
		w.i32(40, int32(len(b.Text)))
		copy(w.b[statusTextMin:], b.Text)
	case Calibration:
		for i, v := range []float64{
			b.WavelengthCm, b.BeamWidthH, b.BeamWidthV, b.GainAntDb, b.NoiseDbmHc,
			b.NoiseDbmVc, b.ReceiverGainDb, b.RadarConstant, b.Dbz0,
		} {
			w.f64(40+8*i, v)
		}
	case Georef:
		w.i32(40, b.UnitNum)
		w.f64(48, b.Latitude)
		w.f64(56, b.Longitude)
		w.f64(64, b.AltitudeKm)
		for i, v := range []float32{
			b.Roll, b.Pitch, b.Heading, b.Drift, b.Rotation, b.Tilt,
			b.EwVelocity, b.NsVelocity, b.VertVel,
		} {
			w.f32(72+4*i, v)
		}
	case PulseHeader:
		w.i64(40, b.PulseSeq)
		w.f32(48, b.Elevation)
		w.f32(52, b.Azimuth)
		w.f32(56, b.PrtUs)
		w.f32(60, b.PulseWidthUs)
		w.i32(64, b.NGates)
		w.i32(68, b.NChannels)
		w.i32(72, int32(b.Encoding))
		w.i32(76, b.NData)
		w.f32(80, b.Scale)
		w.f32(84, b.Offset)
		w.i32(88, b.HvFlag)
		copy(w.b[PulseDataStart:], b.Data)
	}
	return w.b
}

// EncodeFloat32Samples packs IQ values as float32 in the given order.
func EncodeFloat32Samples(order binary.ByteOrder, iq []float32) []byte {
	out := make([]byte, 4*len(iq))
	for i, v := range iq {
		order.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// EncodeInt16Samples packs raw scaled int16 counts in the given order.
func EncodeInt16Samples(order binary.ByteOrder, counts []int16) []byte {
	out := make([]byte, 2*len(counts))
	for i, v := range counts {
		order.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

type writer struct {
	b     []byte
	order binary.ByteOrder
}

func (w writer) u32(off int, v uint32)  { w.order.PutUint32(w.b[off:], v) }
func (w writer) i32(off int, v int32)   { w.u32(off, uint32(v)) }
func (w writer) i64(off int, v int64)   { w.order.PutUint64(w.b[off:], uint64(v)) }
func (w writer) f32(off int, v float32) { w.u32(off, math.Float32bits(v)) }
func (w writer) f64(off int, v float64) { w.order.PutUint64(w.b[off:], math.Float64bits(v)) }

func (w writer) str(off, n int, s string) {
	if len(s) > n {
		s = s[:n]
	}
	copy(w.b[off:off+n], s)
}
