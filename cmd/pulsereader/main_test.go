package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsereader/internal/config"
	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/timeutil"
)

var t0 = time.Date(2024, time.August, 1, 12, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

func parse(t *testing.T, args ...string) (*cliFlags, *config.ReaderConfig) {
	t.Helper()
	fs := flag.NewFlagSet("pulsereader", flag.ContinueOnError)
	cli := newFlags(fs)
	require.NoError(t, fs.Parse(args))
	cfg, err := cli.config(fs)
	require.NoError(t, err)
	return cli, cfg
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"dir","dir":"/data/ts","radar_id":3,"timeout":"5s"}`), 0o644))

	_, cfg := parse(t, "-config", path, "-radar-id", "7", "-float")
	assert.Equal(t, config.ModeDir, cfg.GetMode())
	assert.Equal(t, "/data/ts", cfg.GetDir())
	assert.Equal(t, 7, cfg.GetRadarID())
	assert.Equal(t, 5*time.Second, cfg.GetTimeout())
	assert.True(t, cfg.GetConvertToFloat())
	assert.False(t, cfg.GetPreferSecondaryGeoref())
}

func TestFlagsPositionalFiles(t *testing.T) {
	_, cfg := parse(t, "-georef-tolerance", "250ms", "a.dat", "b.dat")
	assert.Equal(t, config.ModeFile, cfg.GetMode())
	assert.Equal(t, []string{"a.dat", "b.dat"}, cfg.Files)
	assert.Equal(t, 250*time.Millisecond, cfg.GetGeorefTolerance())
}

func TestFlagsSerialOptions(t *testing.T) {
	_, cfg := parse(t, "-mode", "serial", "-serial", "/dev/ttyUSB0", "-baud", "115200", "-parity", "E")
	assert.Equal(t, 115200, cfg.GetSerial().BaudRate)
	assert.Equal(t, "E", cfg.GetSerial().Parity)
}

func TestFlagsValidation(t *testing.T) {
	fs := flag.NewFlagSet("pulsereader", flag.ContinueOnError)
	cli := newFlags(fs)
	require.NoError(t, fs.Parse([]string{"-mode", "tcp"}))
	_, err := cli.config(fs)
	assert.ErrorContains(t, err, "needs host")
}

func writeStream(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	seq := int64(0)
	add := func(at time.Time, b packet.Body) {
		seq++
		buf.Write(packet.Encode(packet.Info{Seq: seq, RadarID: 1, Time: at}, b))
	}
	add(t0, packet.RadarInfo{RadarName: "SPOL"})
	add(t0, packet.Processing{PrtUs: 1000, PulseWidthUs: 1})
	add(t0, packet.ScanSegment{Events: packet.EventStartOfSweep})
	add(t0, packet.Georef{Heading: 45, Latitude: 40})
	for i := int64(1); i <= 3; i++ {
		add(t0.Add(time.Duration(i)*time.Millisecond), packet.PulseHeader{
			PulseSeq:  i,
			NGates:    3,
			NChannels: 1,
			NData:     6,
			Data:      packet.EncodeFloat32Samples(binary.LittleEndian, []float32{1, 0, 10, 0, 0, 1}),
		})
	}
	path := filepath.Join(t.TempDir(), "stream.dat")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestRunWritesJSONL(t *testing.T) {
	path := writeStream(t)
	plotPath := filepath.Join(t.TempDir(), "last.png")
	cli, cfg := parse(t, "-plot", plotPath, "-stats-interval", "0", path)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, cli, &out))

	var recs []pulseRecord
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var rec pulseRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.Len(t, recs, 3)
	assert.Equal(t, int64(1), recs[0].PulseSeq)
	assert.Equal(t, []string{"start_of_sweep"}, recs[0].Events)
	assert.True(t, recs[0].InfoChanged)
	assert.Empty(t, recs[1].Events)
	require.NotNil(t, recs[0].Georef)
	assert.Equal(t, "primary", recs[0].Georef.Source)
	assert.Equal(t, float32(45), recs[0].Georef.Heading)
	require.NotNil(t, recs[0].MaxGate)
	assert.Equal(t, 1, *recs[0].MaxGate)
	assert.InDelta(t, 20.0, *recs[0].MaxDb, 1e-9)

	st, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))
}

func TestRunPulseLimitAndQuiet(t *testing.T) {
	path := writeStream(t)
	cli, cfg := parse(t, "-n", "2", "-quiet", "-stats-interval", "0", path)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, cli, &out))
	assert.Zero(t, out.Len())
}

func TestStatsLoopLogsOnTick(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	ps := stats.NewPacketStats()
	ps.AddEnvelope(packet.KindPulse, 1024)
	ps.AddPulse()

	clock := timeutil.NewMockClock(t0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		statsLoop(ctx, clock, time.Minute, ps)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		mu.Lock()
		defer mu.Unlock()
		return len(lines) > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(lines[0], "Pulse stats"), lines[0])
}
