package packet

import "fmt"

// Body is the closed set of decoded payloads. Consumers type-switch over
// the concrete types below; no other package can add a variant.
type Body interface {
	Kind() Kind
	isBody()
}

// RadarInfo describes the radar identity and static configuration.
type RadarInfo struct {
	Latitude     float64
	Longitude    float64
	AltitudeM    float64
	PlatformType int32
	BeamWidthH   float32
	BeamWidthV   float32
	WavelengthCm float32
	RadarName    string
	SiteName     string
}

// Scan segment event bits.
const (
	EventStartOfSweep uint32 = 1 << iota
	EventEndOfSweep
	EventStartOfVolume
	EventEndOfVolume
)

// ScanSegment describes the current sweep and carries transition markers.
type ScanSegment struct {
	ScanMode   int32
	VolumeNum  int32
	SweepNum   int32
	Events     uint32
	FixedAngle float32
}

// Processing carries the digitizer processing parameters.
type Processing struct {
	XmitRcvMode  int32
	PolMode      int32
	PulseWidthUs float32
	PrtUs        float32
	StartRangeM  float32
	GateSpacingM float32
	MaxGates     int32
}

// StatusText is a free-form status report, usually XML.
type StatusText struct {
	Text string
}

// Calibration holds the radar calibration constants.
type Calibration struct {
	WavelengthCm   float64
	BeamWidthH     float64
	BeamWidthV     float64
	GainAntDb      float64
	NoiseDbmHc     float64
	NoiseDbmVc     float64
	ReceiverGainDb float64
	RadarConstant  float64
	Dbz0           float64
}

// Georef is one platform orientation/position sample. The same layout is
// used by the primary and secondary georeference kinds.
type Georef struct {
	Secondary  bool
	UnitNum    int32
	Latitude   float64
	Longitude  float64
	AltitudeKm float64
	Roll       float32
	Pitch      float32
	Heading    float32
	Drift      float32
	Rotation   float32
	Tilt       float32
	EwVelocity float32
	NsVelocity float32
	VertVel    float32
}

// Sample encodings used by pulse data.
type Encoding int32

const (
	EncodingFloat32     Encoding = 0
	EncodingScaledInt16 Encoding = 1
	EncodingScaledInt32 Encoding = 2
)

// Width returns the byte width of one value, or 0 for an unknown encoding.
func (e Encoding) Width() int {
	switch e {
	case EncodingFloat32, EncodingScaledInt32:
		return 4
	case EncodingScaledInt16:
		return 2
	default:
		return 0
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingFloat32:
		return "fl32"
	case EncodingScaledInt16:
		return "scaled_si16"
	case EncodingScaledInt32:
		return "scaled_si32"
	default:
		return fmt.Sprintf("encoding(%d)", int32(e))
	}
}

// PulseHeader is the fixed part of a pulse packet; Data aliases the raw
// sample bytes of the envelope.
type PulseHeader struct {
	PulseSeq     int64
	Elevation    float32
	Azimuth      float32
	PrtUs        float32
	PulseWidthUs float32
	NGates       int32
	NChannels    int32
	Encoding     Encoding
	NData        int32
	Scale        float32
	Offset       float32
	HvFlag       int32
	Data         []byte
}

func (RadarInfo) Kind() Kind   { return KindRadarInfo }
func (ScanSegment) Kind() Kind { return KindScanSegment }
func (Processing) Kind() Kind  { return KindProcessing }
func (StatusText) Kind() Kind  { return KindStatusText }
func (Calibration) Kind() Kind { return KindCalibration }
func (PulseHeader) Kind() Kind { return KindPulse }

func (g Georef) Kind() Kind {
	if g.Secondary {
		return KindGeorefSecondary
	}
	return KindGeorefPrimary
}

func (RadarInfo) isBody()   {}
func (ScanSegment) isBody() {}
func (Processing) isBody()  {}
func (StatusText) isBody()  {}
func (Calibration) isBody() {}
func (Georef) isBody()      {}
func (PulseHeader) isBody() {}

// Decode interprets the payload of e. Failures wrap ErrSchema.
func Decode(e *Envelope) (Body, error) {
	f := fields{b: e.Raw, order: e.Order}
	switch e.Kind {
	case KindRadarInfo:
		return RadarInfo{
			Latitude:     f.f64(40),
			Longitude:    f.f64(48),
			AltitudeM:    f.f64(56),
			PlatformType: f.i32(64),
			BeamWidthH:   f.f32(68),
			BeamWidthV:   f.f32(72),
			WavelengthCm: f.f32(76),
			RadarName:    f.str(80, 32),
			SiteName:     f.str(112, 32),
		}, nil
	case KindScanSegment:
		return ScanSegment{
			ScanMode:   f.i32(40),
			VolumeNum:  f.i32(44),
			SweepNum:   f.i32(48),
			Events:     f.u32(52),
			FixedAngle: f.f32(56),
		}, nil
	case KindProcessing:
		return Processing{
			XmitRcvMode:  f.i32(40),
			PolMode:      f.i32(44),
			PulseWidthUs: f.f32(48),
			PrtUs:        f.f32(52),
			StartRangeM:  f.f32(56),
			GateSpacingM: f.f32(60),
			MaxGates:     f.i32(64),
		}, nil
	case KindStatusText:
		n := int(f.i32(40))
		if n < 0 || statusTextMin+n > len(e.Raw) {
			return nil, fmt.Errorf("%w: status text length %d exceeds packet length %d", ErrSchema, n, len(e.Raw))
		}
		return StatusText{Text: f.str(statusTextMin, n)}, nil
	case KindCalibration:
		return Calibration{
			WavelengthCm:   f.f64(40),
			BeamWidthH:     f.f64(48),
			BeamWidthV:     f.f64(56),
			GainAntDb:      f.f64(64),
			NoiseDbmHc:     f.f64(72),
			NoiseDbmVc:     f.f64(80),
			ReceiverGainDb: f.f64(88),
			RadarConstant:  f.f64(96),
			Dbz0:           f.f64(104),
		}, nil
	case KindGeorefPrimary, KindGeorefSecondary:
		return Georef{
			Secondary:  e.Kind == KindGeorefSecondary,
			UnitNum:    f.i32(40),
			Latitude:   f.f64(48),
			Longitude:  f.f64(56),
			AltitudeKm: f.f64(64),
			Roll:       f.f32(72),
			Pitch:      f.f32(76),
			Heading:    f.f32(80),
			Drift:      f.f32(84),
			Rotation:   f.f32(88),
			Tilt:       f.f32(92),
			EwVelocity: f.f32(96),
			NsVelocity: f.f32(100),
			VertVel:    f.f32(104),
		}, nil
	case KindPulse:
		return decodePulse(e, f)
	default:
		return nil, fmt.Errorf("%w: no decoder for %s", ErrSchema, e.Kind)
	}
}

func decodePulse(e *Envelope, f fields) (Body, error) {
	h := PulseHeader{
		PulseSeq:     f.i64(40),
		Elevation:    f.f32(48),
		Azimuth:      f.f32(52),
		PrtUs:        f.f32(56),
		PulseWidthUs: f.f32(60),
		NGates:       f.i32(64),
		NChannels:    f.i32(68),
		Encoding:     Encoding(f.i32(72)),
		NData:        f.i32(76),
		Scale:        f.f32(80),
		Offset:       f.f32(84),
		HvFlag:       f.i32(88),
	}
	width := h.Encoding.Width()
	if width == 0 {
		return nil, fmt.Errorf("%w: pulse %d has unknown encoding %d", ErrSchema, h.PulseSeq, h.Encoding)
	}
	if h.NGates < 0 || h.NChannels <= 0 {
		return nil, fmt.Errorf("%w: pulse %d has %d gates, %d channels", ErrSchema, h.PulseSeq, h.NGates, h.NChannels)
	}
	if int64(h.NData) != int64(h.NGates)*int64(h.NChannels)*2 {
		return nil, fmt.Errorf("%w: pulse %d n_data %d != gates %d * channels %d * 2", ErrSchema, h.PulseSeq, h.NData, h.NGates, h.NChannels)
	}
	need := int64(h.NData) * int64(width)
	if int64(PulseDataStart)+need > int64(len(e.Raw)) {
		return nil, fmt.Errorf("%w: pulse %d needs %d data bytes, packet has %d", ErrSchema, h.PulseSeq, need, len(e.Raw)-PulseDataStart)
	}
	h.Data = e.Raw[PulseDataStart : PulseDataStart+int(need)]
	return h, nil
}
