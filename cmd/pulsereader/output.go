package main

import (
	"encoding/json"
	"io"
	"math"
	"time"

	"github.com/banshee-data/pulsereader/internal/pulse"
)

type georefRecord struct {
	Source    string  `json:"source"`
	OffsetMs  float64 `json:"offset_ms"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Heading   float32 `json:"heading"`
	Pitch     float32 `json:"pitch"`
	Roll      float32 `json:"roll"`
}

// pulseRecord is one JSONL output line.
type pulseRecord struct {
	PulseSeq     int64         `json:"pulse_seq"`
	PacketSeq    int64         `json:"packet_seq"`
	Time         time.Time     `json:"time"`
	Elevation    float32       `json:"el"`
	Azimuth      float32       `json:"az"`
	PrtUs        float32       `json:"prt_us"`
	PulseWidthUs float32       `json:"pulse_width_us"`
	Gates        int           `json:"gates"`
	Channels     int           `json:"channels"`
	Events       []string      `json:"events,omitempty"`
	InfoChanged  bool          `json:"info_changed,omitempty"`
	SeqRestart   bool          `json:"seq_restart,omitempty"`
	Georef       *georefRecord `json:"georef,omitempty"`
	MeanDb       *float64      `json:"mean_db,omitempty"`
	MaxDb        *float64      `json:"max_db,omitempty"`
	MaxGate      *int          `json:"max_gate,omitempty"`
}

func newRecord(p *pulse.Pulse) pulseRecord {
	rec := pulseRecord{
		PulseSeq:     p.PulseSeq,
		PacketSeq:    p.PacketSeq,
		Time:         p.Time,
		Elevation:    p.Elevation,
		Azimuth:      p.Azimuth,
		PrtUs:        p.PrtUs,
		PulseWidthUs: p.PulseWidthUs,
		Gates:        p.NGates,
		Channels:     p.NChannels,
		InfoChanged:  p.InfoChanged,
		SeqRestart:   p.SeqRestart,
	}
	for _, ev := range []struct {
		set  bool
		name string
	}{
		{p.StartOfVolume(), "start_of_volume"},
		{p.StartOfSweep(), "start_of_sweep"},
		{p.EndOfSweep(), "end_of_sweep"},
		{p.EndOfVolume(), "end_of_volume"},
	} {
		if ev.set {
			rec.Events = append(rec.Events, ev.name)
		}
	}
	if g := p.Georef; g != nil {
		src := "primary"
		if p.GeorefSecondary {
			src = "secondary"
		}
		rec.Georef = &georefRecord{
			Source:    src,
			OffsetMs:  float64(p.Time.Sub(p.GeorefTime)) / float64(time.Millisecond),
			Latitude:  g.Latitude,
			Longitude: g.Longitude,
			Heading:   g.Heading,
			Pitch:     g.Pitch,
			Roll:      g.Roll,
		}
	}
	if s, err := p.Summarize(0); err == nil && finite(s.MeanDb) && finite(s.MaxDb) {
		rec.MeanDb, rec.MaxDb, rec.MaxGate = &s.MeanDb, &s.MaxDb, &s.MaxGate
	}
	return rec
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

type pulseWriter struct {
	enc *json.Encoder
}

func newPulseWriter(w io.Writer) *pulseWriter {
	return &pulseWriter{enc: json.NewEncoder(w)}
}

func (w *pulseWriter) write(p *pulse.Pulse) error {
	return w.enc.Encode(newRecord(p))
}
