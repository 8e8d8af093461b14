// Command pulsereader reads a radar time-series pulse stream from a file,
// a directory being written in realtime, a pulse queue, a TCP digitizer or
// a serial line, and prints one JSON line per pulse.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulsereader/internal/config"
	"github.com/banshee-data/pulsereader/internal/fsutil"
	"github.com/banshee-data/pulsereader/internal/metrics"
	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/pulse"
	"github.com/banshee-data/pulsereader/internal/reader"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/timeutil"
	"github.com/banshee-data/pulsereader/internal/transport"
	"github.com/banshee-data/pulsereader/internal/version"
)

func main() {
	cli := newFlags(flag.CommandLine)
	flag.Parse()
	if cli.showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := cli.config(flag.CommandLine)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if cli.saveConfig != "" {
		if err := cfg.Save(fsutil.OSFileSystem{}, cli.saveConfig); err != nil {
			log.Fatalf("configuration: %v", err)
		}
		log.Printf("wrote configuration to %s", cli.saveConfig)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	if err := run(ctx, cfg, cli, out); err != nil {
		out.Flush()
		log.Fatalf("pulsereader: %v", err)
	}
}

func heartbeat(status string) {
	monitoring.Logf("[heartbeat] %s", status)
}

// run reads pulses until the stream ends, the pulse limit is reached or
// ctx is cancelled.
func run(ctx context.Context, cfg *config.ReaderConfig, cli *cliFlags, out io.Writer) error {
	session := uuid.New()
	ps := stats.NewPacketStats()
	sinks := stats.Multi{ps}

	var collector *metrics.Collector
	if cli.listen != "" {
		var err error
		collector, err = metrics.NewCollector(nil, session.String())
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		sinks = append(sinks, collector)
	}

	backend, err := cfg.OpenBackend(sinks, heartbeat)
	if err != nil {
		return fmt.Errorf("open %s source: %w", cfg.GetMode(), err)
	}
	ropts := cfg.ReaderOptions(sinks)
	ropts.SessionID = session
	r := reader.New(backend, ropts)
	defer r.Close()
	log.Printf("pulsereader %s, reader %s: %s source", version.String(), r.SessionID(), cfg.GetMode())

	if cli.seekEnd {
		if err := r.SeekToEnd(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	if every := cfg.GetStatsInterval(); every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statsLoop(loopCtx, timeutil.RealClock{}, every, ps)
		}()
	}

	if cli.listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		r.AttachAdminRoutes(mux)
		if qb, ok := backend.(*transport.QueueBackend); ok {
			q, err := qb.Queue()
			if err != nil {
				return err
			}
			if err := q.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(loopCtx, cli.listen, mux)
		}()
	}

	w := newPulseWriter(out)
	var last *pulse.Pulse
	var n int
	for cli.maxPulses == 0 || n < cli.maxPulses {
		p, err := r.NextPulse(loopCtx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			log.Printf("end of stream")
			return finish(r, ps, last, cli.plotPath)
		case errors.Is(err, context.Canceled):
			return finish(r, ps, last, cli.plotPath)
		default:
			return err
		}
		n++
		last = p
		if !cli.quiet {
			if err := w.write(p); err != nil {
				return fmt.Errorf("write pulse: %w", err)
			}
		}
	}
	return finish(r, ps, last, cli.plotPath)
}

func finish(r *reader.Reader, ps *stats.PacketStats, last *pulse.Pulse, plotPath string) error {
	t := ps.Total()
	log.Printf("reader %s: %s pulses from %s envelopes, %d resyncs, %d schema errors, %d duplicates",
		r.SessionID(), stats.FormatWithCommas(t.Pulses), stats.FormatWithCommas(t.Envelopes),
		t.Resyncs, t.SchemaErrors, t.Duplicates)
	r.OpsInfo().LogSummary()
	if plotPath == "" {
		return nil
	}
	if last == nil {
		return errors.New("no pulse to plot")
	}
	if err := last.SavePowerPlot(plotPath); err != nil {
		return fmt.Errorf("plot: %w", err)
	}
	log.Printf("wrote power plot of pulse %d to %s", last.PulseSeq, plotPath)
	return nil
}

// statsLoop logs packet statistics on every tick until ctx is done.
func statsLoop(ctx context.Context, clock timeutil.Clock, every time.Duration, ps *stats.PacketStats) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			ps.LogStats()
		}
	}
}

func serve(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server: %v", err)
		}
	}()
	log.Printf("serving /metrics and /debug/ on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
}
