// Package stats collects stream counters from the transports and the
// reader. Every component takes a Sink; the default does nothing.
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
)

// Sink receives counter updates.
type Sink interface {
	AddEnvelope(kind packet.Kind, bytes int)
	AddResync(skipped int)
	AddFiltered()
	AddSchemaError()
	AddPulse()
	AddDroppedAwaiting()
	AddDuplicate()
	AddReconnect()
}

// Noop discards every update.
type Noop struct{}

func (Noop) AddEnvelope(packet.Kind, int) {}
func (Noop) AddResync(int)                {}
func (Noop) AddFiltered()                 {}
func (Noop) AddSchemaError()              {}
func (Noop) AddPulse()                    {}
func (Noop) AddDroppedAwaiting()          {}
func (Noop) AddDuplicate()                {}
func (Noop) AddReconnect()                {}

// OrNoop returns s, or Noop when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop{}
	}
	return s
}

// Multi fans updates out to several sinks.
type Multi []Sink

func (m Multi) AddEnvelope(kind packet.Kind, bytes int) {
	for _, s := range m {
		s.AddEnvelope(kind, bytes)
	}
}

func (m Multi) AddResync(skipped int) {
	for _, s := range m {
		s.AddResync(skipped)
	}
}

func (m Multi) AddFiltered() {
	for _, s := range m {
		s.AddFiltered()
	}
}

func (m Multi) AddSchemaError() {
	for _, s := range m {
		s.AddSchemaError()
	}
}

func (m Multi) AddPulse() {
	for _, s := range m {
		s.AddPulse()
	}
}

func (m Multi) AddDroppedAwaiting() {
	for _, s := range m {
		s.AddDroppedAwaiting()
	}
}

func (m Multi) AddDuplicate() {
	for _, s := range m {
		s.AddDuplicate()
	}
}

func (m Multi) AddReconnect() {
	for _, s := range m {
		s.AddReconnect()
	}
}

// Counts is a point-in-time copy of the counters.
type Counts struct {
	Envelopes      int64
	Bytes          int64
	Resyncs        int64
	SkippedBytes   int64
	Filtered       int64
	SchemaErrors   int64
	Pulses         int64
	DroppedWaiting int64
	Duplicates     int64
	Reconnects     int64
}

// PacketStats tracks counters with thread-safe operations. The CLI logs
// and resets it on a ticker while the reader goroutine updates it.
type PacketStats struct {
	mu        sync.Mutex
	c         Counts
	total     Counts
	lastReset time.Time
}

// NewPacketStats creates a new PacketStats instance
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

func (ps *PacketStats) update(f func(c *Counts)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	f(&ps.c)
	f(&ps.total)
}

func (ps *PacketStats) AddEnvelope(_ packet.Kind, bytes int) {
	ps.update(func(c *Counts) {
		c.Envelopes++
		c.Bytes += int64(bytes)
	})
}

func (ps *PacketStats) AddResync(skipped int) {
	ps.update(func(c *Counts) {
		c.Resyncs++
		c.SkippedBytes += int64(skipped)
	})
}

func (ps *PacketStats) AddFiltered()        { ps.update(func(c *Counts) { c.Filtered++ }) }
func (ps *PacketStats) AddSchemaError()     { ps.update(func(c *Counts) { c.SchemaErrors++ }) }
func (ps *PacketStats) AddPulse()           { ps.update(func(c *Counts) { c.Pulses++ }) }
func (ps *PacketStats) AddDroppedAwaiting() { ps.update(func(c *Counts) { c.DroppedWaiting++ }) }
func (ps *PacketStats) AddDuplicate()       { ps.update(func(c *Counts) { c.Duplicates++ }) }
func (ps *PacketStats) AddReconnect()       { ps.update(func(c *Counts) { c.Reconnects++ }) }

// Total returns the counters accumulated since creation.
func (ps *PacketStats) Total() Counts {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.total
}

// GetAndReset returns the counters since the previous call and resets them.
func (ps *PacketStats) GetAndReset() (Counts, time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration := now.Sub(ps.lastReset)
	c := ps.c
	ps.c = Counts{}
	ps.lastReset = now
	return c, duration
}

// LogStats logs rates for the interval since the previous call.
func (ps *PacketStats) LogStats() {
	c, duration := ps.GetAndReset()
	if c.Envelopes == 0 && c.Resyncs == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("Pulse stats (/sec): %.2f MB, %.1f envelopes, %s pulses",
		float64(c.Bytes)/secs/(1024*1024), float64(c.Envelopes)/secs, FormatWithCommas(int64(float64(c.Pulses)/secs)))
	if c.Resyncs > 0 {
		msg += fmt.Sprintf(", %d resyncs (%d bytes skipped)", c.Resyncs, c.SkippedBytes)
	}
	if c.SchemaErrors > 0 {
		msg += fmt.Sprintf(", %d schema errors", c.SchemaErrors)
	}
	if c.Filtered > 0 {
		msg += fmt.Sprintf(", %d filtered", c.Filtered)
	}
	if c.Duplicates > 0 {
		msg += fmt.Sprintf(", %d duplicates", c.Duplicates)
	}
	if c.Reconnects > 0 {
		msg += fmt.Sprintf(", %d reconnects", c.Reconnects)
	}
	monitoring.Logf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := len(str) > 0 && str[0] == '-'
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	if neg {
		return "-" + result
	}
	return result
}
