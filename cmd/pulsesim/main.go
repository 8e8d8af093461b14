// Command pulsesim is a synthetic digitizer. It generates a time-series
// pulse stream with sweep markers, georefs and optional corruption, and
// writes it to a file, a pcap capture or a pulse queue, or serves it to
// TCP clients.
//
// Usage:
//
//	pulsesim -mode file -out sim.dat -n 3600
//	pulsesim -mode fmq -fmq /tmp/pulses.db -rate 1000
//	pulsesim -mode tcp -listen :12000 -rate 1000
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/pulsereader/internal/fmq"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/timeutil"
	"github.com/banshee-data/pulsereader/internal/transport"
	"github.com/banshee-data/pulsereader/internal/version"
)

var (
	mode       = flag.String("mode", "file", "output: file, pcap, fmq or tcp")
	outPath    = flag.String("out", "sim.dat", "output path in file and pcap modes")
	fmqPath    = flag.String("fmq", "", "queue path in fmq mode")
	fmqSlots   = flag.Int("fmq-slots", fmq.DefaultNumSlots, "slots when creating the queue")
	perMessage = flag.Int("per-message", 10, "pulses per queue message")
	listen     = flag.String("listen", fmt.Sprintf(":%d", transport.DefaultDigitizerPort), "listen address in tcp mode")
	pcapPort   = flag.Int("pcap-port", transport.DefaultDigitizerPort, "digitizer source port recorded in pcap mode")

	count = flag.Int("n", 3600, "pulses to generate (0 runs until interrupted)")
	rate  = flag.Float64("rate", 0, "pulses per second (0 writes as fast as possible)")

	radarID         = flag.Int("radar-id", 1, "radar id stamped on every envelope")
	radarName       = flag.String("name", "SIM", "radar name")
	gates           = flag.Int("gates", 500, "gates per pulse")
	channels        = flag.Int("channels", 1, "channels per pulse")
	prt             = flag.Duration("prt", time.Millisecond, "pulse repetition time")
	pulsesPerSweep  = flag.Int("pulses-per-sweep", 360, "pulses per sweep")
	sweepsPerVolume = flag.Int("sweeps-per-volume", 5, "sweeps per volume")
	georefEvery     = flag.Int("georef-every", 10, "emit a georef every N pulses (0 disables)")
	corruptEvery    = flag.Int("corrupt-every", 0, "insert garbage and a sync marker every N pulses (0 disables)")
	int16Samples    = flag.Bool("int16", false, "encode samples as scaled int16")
	bigEndian       = flag.Bool("big-endian", false, "write byte-swapped envelopes")
	seed            = flag.Int64("seed", 1, "noise seed")
)

func main() {
	flag.Parse()

	cfg := defaultSimConfig()
	cfg.RadarID = int32(*radarID)
	cfg.RadarName = *radarName
	cfg.Gates = *gates
	cfg.Channels = *channels
	cfg.PRT = *prt
	cfg.PulsesPerSweep = *pulsesPerSweep
	cfg.SweepsPerVolume = *sweepsPerVolume
	cfg.GeorefEvery = *georefEvery
	cfg.CorruptEvery = *corruptEvery
	cfg.Seed = *seed
	if *int16Samples {
		cfg.Encoding = packet.EncodingScaledInt16
	}
	if *bigEndian {
		cfg.Order = binary.BigEndian
	}
	if cfg.Gates <= 0 || cfg.Channels <= 0 {
		log.Fatalf("gates and channels must be positive")
	}

	g := newGenerator(cfg)
	s, err := openSink(g)
	if err != nil {
		log.Fatalf("open %s output: %v", *mode, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("pulsesim %s: %s output, radar %d %q", version.String(), *mode, cfg.RadarID, cfg.RadarName)
	start := time.Now()
	runErr := run(ctx, g, s, *count, *rate, timeutil.RealClock{})
	if err := s.Close(); err != nil {
		log.Printf("close output: %v", err)
	}
	log.Printf("wrote %s pulses in %v", stats.FormatWithCommas(g.PulseSeq()), time.Since(start).Round(time.Millisecond))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("pulsesim: %v", runErr)
	}
}

func openSink(g *generator) (sink, error) {
	switch *mode {
	case "file":
		return newFileSink(*outPath)
	case "pcap":
		return newPcapSink(*outPath, *pcapPort, func() time.Time { return g.now })
	case "fmq":
		if *fmqPath == "" {
			return nil, errors.New("-fmq is required in fmq mode")
		}
		return newFMQSink(*fmqPath, *fmqSlots, *perMessage)
	case "tcp":
		s, err := newTCPSink(*listen, g.info)
		if err != nil {
			return nil, err
		}
		log.Printf("serving pulses on %s", s.Addr())
		return s, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", *mode)
	}
}

// minSleep avoids sleeping for every pulse at high rates.
const minSleep = 5 * time.Millisecond

// run generates n pulses (forever when n is 0) into s, paced at rate
// pulses per second when rate is positive.
func run(ctx context.Context, g *generator, s sink, n int, rate float64, clock timeutil.Clock) error {
	if w, ok := s.(interface{ waitClient(context.Context) error }); ok {
		log.Printf("waiting for a client")
		if err := w.waitClient(ctx); err != nil {
			return err
		}
	}

	start := clock.Now()
	for i := 0; n == 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rate > 0 {
			due := start.Add(time.Duration(float64(i) / rate * float64(time.Second)))
			if d := clock.Until(due); d > minSleep {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-clock.After(d):
				}
			}
		}
		if err := s.write(ctx, g.next()); err != nil {
			return fmt.Errorf("write pulse %d: %w", g.PulseSeq(), err)
		}
	}
	return nil
}
