package reader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/pulse"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/testutil"
	"github.com/banshee-data/pulsereader/internal/transport"
)

var t0 = time.Date(2024, time.August, 1, 12, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

// stream builds envelopes with increasing packet sequence numbers.
type stream struct {
	seq   int64
	radar int32
	buf   bytes.Buffer
}

func (s *stream) add(at time.Time, body packet.Body) *stream {
	s.seq++
	radar := s.radar
	if radar == 0 {
		radar = 1
	}
	s.buf.Write(packet.Encode(packet.Info{Seq: s.seq, RadarID: radar, Time: at}, body))
	return s
}

func (s *stream) from(radar int32) *stream {
	s.radar = radar
	return s
}

func (s *stream) essential() *stream {
	return s.add(t0, packet.RadarInfo{RadarName: "SPOL"}).add(t0, packet.Processing{PulseWidthUs: 1, PrtUs: 1000})
}

func (s *stream) pulseAt(seq int64, at time.Time) *stream {
	return s.add(at, packet.PulseHeader{
		PulseSeq:  seq,
		NGates:    2,
		NChannels: 1,
		NData:     4,
		Data:      packet.EncodeFloat32Samples(binary.LittleEndian, []float32{1, 0, 0, 1}),
	})
}

func (s *stream) pulse(seq int64) *stream {
	return s.pulseAt(seq, t0.Add(time.Duration(seq)*time.Millisecond))
}

func (s *stream) raw(b []byte) *stream {
	s.buf.Write(b)
	return s
}

func (s *stream) bytes() []byte { return s.buf.Bytes() }

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func fileReader(t *testing.T, opts Options, data ...[]byte) *Reader {
	t.Helper()
	dir := t.TempDir()
	var files []string
	for i, d := range data {
		files = append(files, writeFile(t, dir, string(rune('a'+i))+".dat", d))
	}
	b, err := transport.NewFileBackend(transport.FileOptions{
		Options: transport.Options{Stats: opts.Stats},
		Files:   files,
	})
	require.NoError(t, err)
	r := New(b, opts)
	t.Cleanup(func() { r.Close() })
	return r
}

func readAll(t *testing.T, r *Reader) []*pulse.Pulse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []*pulse.Pulse
	for {
		p, err := r.NextPulse(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, p)
	}
}

func pulseSeqs(ps []*pulse.Pulse) []int64 {
	out := make([]int64, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.PulseSeq)
	}
	return out
}

func TestCorruptEnvelopeBetweenPulses(t *testing.T) {
	s := new(stream).essential().pulse(1)
	s.raw([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03, 0x04})
	s.pulse(2)

	ps := stats.NewPacketStats()
	r := fileReader(t, Options{Stats: ps}, s.bytes())
	got := readAll(t, r)
	assert.Equal(t, []int64{1, 2}, pulseSeqs(got))
	assert.Equal(t, int64(2), ps.Total().Pulses)
	assert.Equal(t, int64(1), ps.Total().Resyncs)
}

func TestPulsesDroppedUntilEssentialInfo(t *testing.T) {
	s := new(stream)
	s.add(t0, packet.RadarInfo{RadarName: "SPOL"}).pulse(1).pulse(2)
	s.add(t0, packet.Processing{PrtUs: 1000}).pulse(3)

	ps := stats.NewPacketStats()
	r := fileReader(t, Options{Stats: ps}, s.bytes())
	assert.Equal(t, AwaitingEssentialInfo, r.State())

	got := readAll(t, r)
	assert.Equal(t, []int64{3}, pulseSeqs(got))
	assert.Equal(t, int64(2), ps.Total().DroppedWaiting)
	assert.Equal(t, Streaming, r.State())
	assert.True(t, r.OpsInfo().IsEssentialReady())
}

func TestGeorefAttachedWithinTolerance(t *testing.T) {
	base := time.Unix(100, 0).UTC()
	s := new(stream).essential()
	s.pulseAt(1, base.Add(-2*time.Second))
	s.add(base, packet.Georef{Heading: 90})
	s.pulseAt(2, base.Add(300*time.Millisecond))
	s.pulseAt(3, base.Add(1500*time.Millisecond))

	r := fileReader(t, Options{Pulse: pulse.Options{GeorefTolerance: time.Second}}, s.bytes())
	got := readAll(t, r)
	require.Len(t, got, 3)

	assert.Nil(t, got[0].Georef)
	require.NotNil(t, got[1].Georef)
	assert.Equal(t, float32(90), got[1].Georef.Heading)
	assert.Equal(t, base, got[1].GeorefTime)
	assert.Nil(t, got[2].Georef)

	for _, p := range got {
		if p.Georef != nil {
			d := p.Time.Sub(p.GeorefTime)
			assert.LessOrEqual(t, d.Abs(), time.Second)
		}
	}
}

func TestEventsReportedOnce(t *testing.T) {
	s := new(stream).essential()
	s.add(t0, packet.ScanSegment{Events: packet.EventStartOfSweep | packet.EventStartOfVolume})
	s.pulse(1).pulse(2)

	got := readAll(t, fileReader(t, Options{}, s.bytes()))
	require.Len(t, got, 2)
	assert.True(t, got[0].StartOfSweep())
	assert.True(t, got[0].StartOfVolume())
	assert.Zero(t, got[1].Events)
}

func TestInfoChanged(t *testing.T) {
	s := new(stream).essential().pulse(1).pulse(2)
	s.add(t0, packet.StatusText{Text: "<ok/>"}).pulse(3).pulse(4)

	got := readAll(t, fileReader(t, Options{}, s.bytes()))
	var changed []bool
	for _, p := range got {
		changed = append(changed, p.InfoChanged)
	}
	assert.Equal(t, []bool{true, false, true, false}, changed)
}

func TestSchemaErrorDiscardsEnvelope(t *testing.T) {
	s := new(stream).essential().pulse(1)
	s.add(t0, packet.PulseHeader{PulseSeq: 2, NGates: 3, NChannels: 1, NData: 4,
		Data: packet.EncodeFloat32Samples(binary.LittleEndian, []float32{1, 2, 3, 4})})
	s.pulse(3)

	ps := stats.NewPacketStats()
	got := readAll(t, fileReader(t, Options{Stats: ps}, s.bytes()))
	assert.Equal(t, []int64{1, 3}, pulseSeqs(got))
	assert.Equal(t, int64(1), ps.Total().SchemaErrors)
}

func TestDuplicateGuard(t *testing.T) {
	s := new(stream).essential()
	for _, seq := range []int64{1, 2, 3, 2, 3, 4, 4, 5} {
		s.pulse(seq)
	}
	ps := stats.NewPacketStats()
	got := readAll(t, fileReader(t, Options{Stats: ps}, s.bytes()))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, pulseSeqs(got))
	assert.Equal(t, int64(3), ps.Total().Duplicates)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].PulseSeq, got[i-1].PulseSeq)
	}
}

func TestDuplicateGuardNeverGoesBackByDefault(t *testing.T) {
	s := new(stream).essential().pulse(5000).pulse(5001)
	for seq := int64(1); seq <= 1500; seq++ {
		s.pulse(seq)
	}
	s.pulse(5002)

	ps := stats.NewPacketStats()
	r := fileReader(t, Options{Stats: ps}, s.bytes())
	got := readAll(t, r)
	assert.Equal(t, []int64{5000, 5001, 5002}, pulseSeqs(got))
	assert.Equal(t, int64(1500), ps.Total().Duplicates)
	assert.Zero(t, r.Status().SeqRestarts)
	for _, p := range got {
		assert.False(t, p.SeqRestart)
	}
}

func TestDuplicateGuardAcceptsRestart(t *testing.T) {
	s := new(stream).essential()
	for _, seq := range []int64{50, 51, 1, 2, 3, 4} {
		s.pulse(seq)
	}
	r := fileReader(t, Options{MaxStaleRun: 2}, s.bytes())
	got := readAll(t, r)
	assert.Equal(t, []int64{50, 51, 3, 4}, pulseSeqs(got))
	assert.Equal(t, []bool{false, false, true, false},
		[]bool{got[0].SeqRestart, got[1].SeqRestart, got[2].SeqRestart, got[3].SeqRestart})
	assert.Equal(t, int64(1), r.Status().SeqRestarts)

	s2 := new(stream).essential()
	for _, seq := range []int64{5, 1, 5} {
		s2.pulse(seq)
	}
	got = readAll(t, fileReader(t, Options{MaxStaleRun: -1}, s2.bytes()))
	assert.Equal(t, []int64{5, 1, 5}, pulseSeqs(got))
}

func TestClearInfoOnFileChange(t *testing.T) {
	a := new(stream).essential().pulse(1)
	b := new(stream)
	b.seq = 10
	b.pulse(2).essential().pulse(3)

	got := readAll(t, fileReader(t, Options{ClearInfoOnFileChange: true}, a.bytes(), b.bytes()))
	assert.Equal(t, []int64{1, 3}, pulseSeqs(got))

	got = readAll(t, fileReader(t, Options{}, a.bytes(), b.bytes()))
	assert.Equal(t, []int64{1, 2, 3}, pulseSeqs(got))
}

func TestResetRewinds(t *testing.T) {
	ctx := context.Background()
	r := fileReader(t, Options{}, new(stream).essential().pulse(1).pulse(2).bytes())

	got := readAll(t, r)
	require.Len(t, got, 2)

	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, AwaitingEssentialInfo, r.State())
	assert.False(t, r.OpsInfo().IsEssentialReady())

	p, err := r.NextPulse(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.PulseSeq)
}

func TestSocketDropResumesWithoutDuplicates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	first := new(stream).essential().pulse(1).pulse(2).pulse(3).pulse(4)
	// After reconnecting the digitizer replays from pulse 3.
	second := new(stream).essential().pulse(3).pulse(4).pulse(5).pulse(6)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for i, payload := range [][]byte{first.bytes(), second.bytes()} {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write(payload)
			if i == 0 {
				conn.Close()
				continue
			}
			<-done
			conn.Close()
		}
	}()

	ps := stats.NewPacketStats()
	b, err := transport.NewTCPBackend(ln.Addr().String(), transport.StreamOptions{
		Options:        transport.Options{Blocking: true, Stats: ps},
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	r := New(b, Options{Stats: ps})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []int64
	for len(got) < 6 {
		p, err := r.NextPulse(ctx)
		require.NoError(t, err)
		got = append(got, p.PulseSeq)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, int64(1), ps.Total().Reconnects)
	assert.Equal(t, int64(2), ps.Total().Duplicates)
}

func TestNonBlockingTimeout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.dat", new(stream).essential().bytes())
	b, err := transport.NewFileBackend(transport.FileOptions{
		Options: transport.Options{Timeout: 40 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		Dir:     dir,
	})
	require.NoError(t, err)
	r := New(b, Options{})
	defer r.Close()

	_, err = r.NextPulse(context.Background())
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, Streaming, r.State())
}

func TestStatusAndAdminRoutes(t *testing.T) {
	r := fileReader(t, Options{}, new(stream).essential().pulse(7).bytes())
	_, err := r.NextPulse(context.Background())
	require.NoError(t, err)

	st := r.Status()
	assert.Equal(t, r.SessionID(), st.SessionID)
	assert.Equal(t, "streaming", st.State)
	assert.Equal(t, int64(1), st.Pulses)
	assert.Equal(t, int64(7), st.LastPulseSeq)
	assert.True(t, st.Essential)
	assert.Equal(t, 1, st.InfoCounts[packet.KindRadarInfo.String()])

	mux := http.NewServeMux()
	r.AttachAdminRoutes(mux)

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/reader")
	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, int64(7), got.LastPulseSeq)

	rec = testutil.ServeDebug(mux, http.MethodGet, "/debug/opsinfo")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]interface{}
	testutil.DecodeJSON(t, rec, &entries)
	require.Len(t, entries, len(packet.InfoKinds))
	assert.Equal(t, true, entries[0]["active"])

	rec = testutil.ServeDebug(mux, http.MethodPost, "/debug/reader")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestPowerChartRoute(t *testing.T) {
	r := fileReader(t, Options{Pulse: pulse.Options{ConvertToFloat: true}}, new(stream).essential().pulse(7).pulse(8).bytes())
	_, err := r.NextPulse(context.Background())
	require.NoError(t, err)

	mux := http.NewServeMux()
	r.AttachAdminRoutes(mux)

	// Pulses read before the routes were mounted are not kept.
	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/power")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	p, err := r.NextPulse(context.Background())
	require.NoError(t, err)
	p.IQ[0] = 99

	rec = testutil.ServeDebug(mux, http.MethodGet, "/debug/power")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Pulse 8")

	kept := r.last.Load()
	require.NotNil(t, kept)
	assert.Equal(t, float32(1), kept.IQ[0])
}

func TestRadarFilterInterleaved(t *testing.T) {
	s := new(stream)
	s.from(9).add(t0, packet.RadarInfo{RadarName: "OTHER"}).add(t0, packet.Processing{PulseWidthUs: 2})
	s.from(7).essential().pulse(1)
	s.from(9).pulse(100)
	s.from(7).pulse(2)
	s.from(9).pulse(101).add(t0, packet.RadarInfo{RadarName: "OTHER2"})
	s.from(7).pulse(3)

	ps := stats.NewPacketStats()
	b, err := transport.NewFileBackend(transport.FileOptions{
		Options: transport.Options{RadarID: 7, Stats: ps},
		Files:   []string{writeFile(t, t.TempDir(), "mixed.dat", s.bytes())},
	})
	require.NoError(t, err)
	r := New(b, Options{Stats: ps})
	defer r.Close()

	got := readAll(t, r)
	assert.Equal(t, []int64{1, 2, 3}, pulseSeqs(got))
	for _, p := range got {
		assert.Equal(t, int32(7), p.RadarID)
	}
	assert.Equal(t, int64(5), ps.Total().Filtered)

	info, ok := r.OpsInfo().RadarInfo()
	require.True(t, ok)
	assert.Equal(t, "SPOL", info.RadarName)
	proc, ok := r.OpsInfo().Processing()
	require.True(t, ok)
	assert.Equal(t, float32(1), proc.PulseWidthUs)
	counts := r.OpsInfo().Counts()
	assert.Equal(t, 1, counts[packet.KindRadarInfo])
	assert.Equal(t, 1, counts[packet.KindProcessing])
}
