package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/timeutil"
)

var t0 = time.Date(2024, time.August, 1, 0, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
}

func pulseFrom(radar int32, seq int64) []byte {
	return packet.Encode(packet.Info{Seq: seq, RadarID: radar, Time: t0.Add(time.Duration(seq) * time.Millisecond)}, packet.PulseHeader{
		PulseSeq:  seq,
		NGates:    1,
		NChannels: 1,
		NData:     2,
		Data:      packet.EncodeFloat32Samples(binary.LittleEndian, []float32{1, 1}),
	})
}

func pulse(seq int64) []byte { return pulseFrom(1, seq) }

func radarInfo(radar int32, seq int64) []byte {
	return packet.Encode(packet.Info{Seq: seq, RadarID: radar, Time: t0}, packet.RadarInfo{RadarName: "TEST"})
}

func join(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// collect reads envelopes until err is returned.
func collect(t *testing.T, b Backend) ([]*packet.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []*packet.Envelope
	for {
		env, err := b.NextEnvelope(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
}

func seqs(envs []*packet.Envelope) []int64 {
	out := make([]int64, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Seq)
	}
	return out
}

func TestRadarFilter(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mixed.dat", join(
		radarInfo(7, 1), radarInfo(9, 2),
		pulseFrom(7, 3), pulseFrom(9, 4), pulseFrom(7, 5), pulseFrom(9, 6),
	))
	ps := stats.NewPacketStats()
	b, err := NewFileBackend(FileOptions{Options: Options{RadarID: 7, Stats: ps}, Files: []string{path}})
	require.NoError(t, err)
	defer b.Close()

	envs, err := collect(t, b)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int64{1, 3, 5}, seqs(envs))
	for _, e := range envs {
		assert.Equal(t, int32(7), e.RadarID)
	}
	assert.Equal(t, int64(3), ps.Total().Filtered)
	assert.Equal(t, int64(6), ps.Total().Envelopes)
	assert.Equal(t, int64(3), b.PrevPulsePacketSeq())
	assert.Equal(t, int64(5), b.LatestPulsePacketSeq())
}

func TestWaitTimesOut(t *testing.T) {
	b := newBase(Options{Timeout: 30 * time.Millisecond}, "test")
	w := b.newWait("test")
	start := time.Now()
	var err error
	for err == nil {
		err = w.pause(context.Background(), 5*time.Millisecond)
	}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitHeartbeatAndCancel(t *testing.T) {
	var beats []string
	b := newBase(Options{
		Blocking:          true,
		HeartbeatInterval: time.Millisecond,
		Heartbeat:         func(s string) { beats = append(beats, s) },
	}, "test")
	w := b.newWait("waiting for test")

	require.NoError(t, w.pause(context.Background(), 3*time.Millisecond))
	assert.Equal(t, []string{"waiting for test"}, beats)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.pause(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWaitOnMockClock(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	var beats []string
	b := newBase(Options{
		Timeout:           time.Minute,
		HeartbeatInterval: 5 * time.Second,
		Heartbeat:         func(s string) { beats = append(beats, s) },
		Clock:             clock,
	}, "test")
	w := b.newWait("idle")

	done := make(chan error, 1)
	go func() { done <- w.pause(context.Background(), 10*time.Second) }()
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	clock.Advance(10 * time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"idle"}, beats)
	assert.Equal(t, 50*time.Second, w.remaining(time.Hour))

	clock.Advance(time.Minute)
	assert.ErrorIs(t, w.pause(context.Background(), time.Second), ErrTimeout)
}
