package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/pulsereader/internal/packet"
)

// simConfig describes the synthetic radar.
type simConfig struct {
	RadarID   int32
	RadarName string
	Gates     int
	Channels  int
	PRT       time.Duration

	PulsesPerSweep  int
	SweepsPerVolume int

	// GeorefEvery emits a primary georef before every Nth pulse. Zero
	// disables georefs.
	GeorefEvery int
	// CorruptEvery inserts a run of garbage followed by a sync marker
	// before every Nth pulse. Zero disables corruption.
	CorruptEvery int

	Encoding packet.Encoding
	Order    binary.ByteOrder
	Start    time.Time
	Seed     int64
}

func defaultSimConfig() simConfig {
	return simConfig{
		RadarID:         1,
		RadarName:       "SIM",
		Gates:           500,
		Channels:        1,
		PRT:             time.Millisecond,
		PulsesPerSweep:  360,
		SweepsPerVolume: 5,
		GeorefEvery:     10,
		Encoding:        packet.EncodingFloat32,
		Order:           binary.LittleEndian,
		Seed:            1,
	}
}

const (
	// sampleScale converts IQ values to scaled int16 counts.
	sampleScale = 0.01

	noiseAmplitude  = 1.0
	targetAmplitude = 100.0
	targetAzimuth   = 90.0
	beamWidthDeg    = 1.0
)

// corruption never starts a valid header: 0xdead is not a kind prefix.
var corruption = []byte{0xde, 0xad, 0xde, 0xad, 0xde, 0xad, 0xde, 0xad, 0xde, 0xad, 0xde, 0xad, 0xde}

// generator produces a synthetic digitizer stream one pulse at a time.
// Each call returns the encoded envelopes in wire order.
type generator struct {
	cfg      simConfig
	seq      int64
	pulseSeq int64
	now      time.Time
	rng      *rand.Rand
}

func newGenerator(cfg simConfig) *generator {
	start := cfg.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if cfg.Order == nil {
		cfg.Order = binary.LittleEndian
	}
	if cfg.PulsesPerSweep <= 0 {
		cfg.PulsesPerSweep = 360
	}
	if cfg.SweepsPerVolume <= 0 {
		cfg.SweepsPerVolume = 1
	}
	return &generator{
		cfg: cfg,
		now: start,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// PulseSeq is the sequence number of the last pulse generated.
func (g *generator) PulseSeq() int64 { return g.pulseSeq }

func (g *generator) encode(body packet.Body) []byte {
	g.seq++
	return packet.EncodeOrder(g.cfg.Order, packet.Info{
		Seq:     g.seq,
		Version: 1,
		RadarID: g.cfg.RadarID,
		Time:    g.now,
	}, body)
}

// info returns the full set of static info envelopes. Digitizers repeat
// them at every sweep so readers joining late can start.
func (g *generator) info() [][]byte {
	return [][]byte{
		g.encode(packet.RadarInfo{
			Latitude:     40.0,
			Longitude:    -105.0,
			AltitudeM:    1600,
			BeamWidthH:   beamWidthDeg,
			BeamWidthV:   beamWidthDeg,
			WavelengthCm: 10.7,
			RadarName:    g.cfg.RadarName,
			SiteName:     "synthetic",
		}),
		g.encode(packet.Processing{
			PulseWidthUs: 1,
			PrtUs:        float32(g.cfg.PRT.Microseconds()),
			GateSpacingM: 150,
			MaxGates:     int32(g.cfg.Gates),
		}),
		g.encode(packet.Calibration{
			WavelengthCm:  10.7,
			BeamWidthH:    beamWidthDeg,
			BeamWidthV:    beamWidthDeg,
			RadarConstant: -68.0,
			Dbz0:          -48.0,
		}),
	}
}

func (g *generator) sweepPosition() (sweep, inSweep int) {
	n := int(g.pulseSeq)
	return n / g.cfg.PulsesPerSweep, n % g.cfg.PulsesPerSweep
}

// next returns the envelopes for one pulse: sweep markers and info at
// sweep boundaries, an occasional georef, optional corruption, then the
// pulse itself.
func (g *generator) next() [][]byte {
	var out [][]byte
	sweep, inSweep := g.sweepPosition()
	volume := sweep / g.cfg.SweepsPerVolume
	sweepInVolume := sweep % g.cfg.SweepsPerVolume
	elevation := 0.5 + float32(sweepInVolume)

	if inSweep == 0 {
		out = append(out, g.info()...)
		var events uint32 = packet.EventStartOfSweep
		if sweepInVolume == 0 {
			events |= packet.EventStartOfVolume
		}
		if sweep > 0 {
			events |= packet.EventEndOfSweep
			if sweepInVolume == 0 {
				events |= packet.EventEndOfVolume
			}
		}
		out = append(out, g.encode(packet.ScanSegment{
			VolumeNum:  int32(volume),
			SweepNum:   int32(sweepInVolume),
			Events:     events,
			FixedAngle: elevation,
		}))
		out = append(out, g.encode(packet.StatusText{
			Text: fmt.Sprintf("<status><volume>%d</volume><sweep>%d</sweep></status>", volume, sweepInVolume),
		}))
	}

	g.pulseSeq++
	g.now = g.now.Add(g.cfg.PRT)
	azimuth := 360 * float32(inSweep) / float32(g.cfg.PulsesPerSweep)

	if g.cfg.GeorefEvery > 0 && (g.pulseSeq-1)%int64(g.cfg.GeorefEvery) == 0 {
		out = append(out, g.encode(packet.Georef{
			Latitude:   40.0,
			Longitude:  -105.0,
			AltitudeKm: 1.6,
			Heading:    azimuth,
		}))
	}
	if g.cfg.CorruptEvery > 0 && g.pulseSeq%int64(g.cfg.CorruptEvery) == 0 {
		out = append(out, append(append([]byte{}, corruption...), packet.SyncMarker()...))
	}

	out = append(out, g.encode(g.pulse(elevation, azimuth)))
	return out
}

func (g *generator) pulse(elevation, azimuth float32) packet.PulseHeader {
	n := g.cfg.Gates * g.cfg.Channels * 2
	iq := make([]float32, n)
	targetGate := g.cfg.Gates / 3
	off := float64(azimuth) - targetAzimuth
	beam := math.Exp(-off * off / (2 * beamWidthDeg * beamWidthDeg))
	for ch := 0; ch < g.cfg.Channels; ch++ {
		for gate := 0; gate < g.cfg.Gates; gate++ {
			i := ch*g.cfg.Gates*2 + gate*2
			re := g.rng.NormFloat64() * noiseAmplitude
			im := g.rng.NormFloat64() * noiseAmplitude
			if gate == targetGate {
				phase := g.rng.Float64() * 2 * math.Pi
				re += targetAmplitude * beam * math.Cos(phase)
				im += targetAmplitude * beam * math.Sin(phase)
			}
			iq[i], iq[i+1] = float32(re), float32(im)
		}
	}

	h := packet.PulseHeader{
		PulseSeq:     g.pulseSeq,
		Elevation:    elevation,
		Azimuth:      azimuth,
		PrtUs:        float32(g.cfg.PRT.Microseconds()),
		PulseWidthUs: 1,
		NGates:       int32(g.cfg.Gates),
		NChannels:    int32(g.cfg.Channels),
		Encoding:     g.cfg.Encoding,
		NData:        int32(n),
		Scale:        1,
	}
	switch g.cfg.Encoding {
	case packet.EncodingScaledInt16:
		counts := make([]int16, n)
		for i, v := range iq {
			c := math.Round(float64(v) / sampleScale)
			counts[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, c)))
		}
		h.Scale = sampleScale
		h.Data = packet.EncodeInt16Samples(g.cfg.Order, counts)
	default:
		h.Encoding = packet.EncodingFloat32
		h.Data = packet.EncodeFloat32Samples(g.cfg.Order, iq)
	}
	return h
}
