package packet

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 30, 250000000, time.UTC)

func mustEnvelope(t *testing.T, raw []byte, acceptSwapped bool) *Envelope {
	t.Helper()
	h, ok := ParseHeader(raw, acceptSwapped)
	if !ok {
		t.Fatalf("ParseHeader rejected %x", raw[:HeaderSize])
	}
	env, err := NewEnvelope(h, raw)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name   string
		kind   uint32
		length uint32
		want   bool
	}{
		{"radar info exact", uint32(KindRadarInfo), radarInfoSize, true},
		{"radar info extended", uint32(KindRadarInfo), radarInfoSize + 16, true},
		{"radar info short", uint32(KindRadarInfo), radarInfoSize - 1, false},
		{"radar info too long", uint32(KindRadarInfo), radarInfoSize + fixedSlack + 1, false},
		{"pulse header only", uint32(KindPulse), PulseDataStart, true},
		{"pulse huge", uint32(KindPulse), MaxEnvelopeLen + 1, false},
		{"status text min", uint32(KindStatusText), statusTextMin, true},
		{"unknown kind", 0x12345678, 64, false},
		{"sync marker", SyncWord0, SyncWord1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.kind, tt.length); got != tt.want {
				t.Errorf("IsValid(0x%08x, %d) = %v, want %v", tt.kind, tt.length, got, tt.want)
			}
		})
	}
}

func TestParseHeaderSwapped(t *testing.T) {
	raw := EncodeOrder(binary.BigEndian, Info{Seq: 9, RadarID: 3, Time: testTime}, Processing{PulseWidthUs: 1.5})

	if _, ok := ParseHeader(raw, false); ok {
		t.Fatal("big-endian header accepted without swapped matching")
	}
	env := mustEnvelope(t, raw, true)
	if env.Order != binary.BigEndian {
		t.Fatalf("Order = %v, want big endian", env.Order)
	}
	if env.Seq != 9 || env.RadarID != 3 || !env.Time.Equal(testTime) {
		t.Errorf("common info = %+v", env.Info)
	}
	body, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p := body.(Processing); p.PulseWidthUs != 1.5 {
		t.Errorf("PulseWidthUs = %v, want 1.5", p.PulseWidthUs)
	}
}

func TestIsSyncMarker(t *testing.T) {
	if !IsSyncMarker(SyncMarker()) {
		t.Error("SyncMarker not recognized")
	}
	swapped := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(swapped[0:4], SyncWord0)
	binary.BigEndian.PutUint32(swapped[4:8], SyncWord1)
	if !IsSyncMarker(swapped) {
		t.Error("byte-swapped sync marker not recognized")
	}
	if IsSyncMarker(SyncMarker()[:4]) {
		t.Error("short buffer treated as sync marker")
	}
}

func TestDecodeInfoKinds(t *testing.T) {
	info := Info{Seq: 42, Version: 1, RadarID: 7, Time: testTime}
	bodies := []Body{
		RadarInfo{Latitude: 40.1, Longitude: -105.2, AltitudeM: 1600, BeamWidthH: 0.9, RadarName: "SPOL", SiteName: "Marshall"},
		ScanSegment{ScanMode: 2, VolumeNum: 4, SweepNum: 1, Events: EventStartOfSweep | EventStartOfVolume, FixedAngle: 0.5},
		StatusText{Text: "<status>ok</status>"},
		Calibration{WavelengthCm: 10.7, NoiseDbmHc: -77.5, Dbz0: -48.2},
		Georef{Secondary: true, Latitude: 40, Heading: 271.5, VertVel: -0.25},
	}
	for _, want := range bodies {
		t.Run(want.Kind().String(), func(t *testing.T) {
			env := mustEnvelope(t, Encode(info, want), false)
			if env.Kind != want.Kind() {
				t.Fatalf("Kind = %s, want %s", env.Kind, want.Kind())
			}
			got, err := Decode(env)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodePulseSchemaErrors(t *testing.T) {
	good := PulseHeader{
		PulseSeq:  1,
		NGates:    2,
		NChannels: 1,
		Encoding:  EncodingFloat32,
		NData:     4,
		Data:      EncodeFloat32Samples(binary.LittleEndian, []float32{1, 2, 3, 4}),
	}

	tests := []struct {
		name   string
		mutate func(h *PulseHeader)
	}{
		{"unknown encoding", func(h *PulseHeader) { h.Encoding = 9 }},
		{"n_data mismatch", func(h *PulseHeader) { h.NData = 6 }},
		{"no channels", func(h *PulseHeader) { h.NChannels = 0 }},
		{"short data", func(h *PulseHeader) { h.Data = h.Data[:8] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := good
			tt.mutate(&h)
			env := mustEnvelope(t, Encode(Info{Time: testTime}, h), false)
			if _, err := Decode(env); !errors.Is(err, ErrSchema) {
				t.Errorf("Decode error = %v, want ErrSchema", err)
			}
		})
	}

	env := mustEnvelope(t, Encode(Info{Time: testTime}, good), false)
	body, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode good pulse: %v", err)
	}
	if got := body.(PulseHeader); len(got.Data) != 16 || got.NGates != 2 {
		t.Errorf("decoded pulse = %+v", got)
	}
}

func TestDecodeStatusTextOverrun(t *testing.T) {
	raw := Encode(Info{Time: testTime}, StatusText{Text: "abc"})
	binary.LittleEndian.PutUint32(raw[40:44], 100)
	env := mustEnvelope(t, raw, false)
	if _, err := Decode(env); !errors.Is(err, ErrSchema) {
		t.Errorf("Decode error = %v, want ErrSchema", err)
	}
}

func TestNewEnvelopeRejectsBadNanos(t *testing.T) {
	raw := Encode(Info{Time: testTime}, Processing{})
	binary.LittleEndian.PutUint32(raw[32:36], uint32(2*time.Second))
	h, ok := ParseHeader(raw, false)
	if !ok {
		t.Fatal("header rejected")
	}
	if _, err := NewEnvelope(h, raw); !errors.Is(err, ErrSchema) {
		t.Errorf("NewEnvelope error = %v, want ErrSchema", err)
	}
}
