// Package metrics exports reader statistics to Prometheus. A Collector is a
// stats.Sink, so it can be handed to a transport and a reader directly or
// combined with the log-based stats.PacketStats through stats.Multi.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/version"
)

const namespace = "pulsereader"

// Collector holds the reader counters, labelled by session id.
type Collector struct {
	gatherer prometheus.Gatherer
	session  string

	Envelopes *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Resyncs   *prometheus.CounterVec
	Skipped   *prometheus.CounterVec
	Events    *prometheus.CounterVec

	filtered, schemaErrors, pulses, droppedAwaiting, duplicates, reconnects prometheus.Counter
}

var _ stats.Sink = (*Collector)(nil)

// NewCollector registers the reader metrics against reg, defaulting to the
// global registry when nil. Collectors for different sessions may share a
// registry.
func NewCollector(reg prometheus.Registerer, session string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	envelopes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_total",
		Help:      "Envelopes framed from the transport, by packet kind.",
	}, []string{"session", "kind"}))
	if err != nil {
		return nil, err
	}
	bytes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelope_bytes_total",
		Help:      "Bytes in framed envelopes.",
	}, []string{"session"}))
	if err != nil {
		return nil, err
	}
	resyncs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resyncs_total",
		Help:      "Times framing was lost and recovered.",
	}, []string{"session"}))
	if err != nil {
		return nil, err
	}
	skipped, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resync_skipped_bytes_total",
		Help:      "Bytes discarded while resynchronizing.",
	}, []string{"session"}))
	if err != nil {
		return nil, err
	}
	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Reader events: pulse, filtered, schema_error, dropped_awaiting, duplicate, reconnect.",
	}, []string{"session", "event"}))
	if err != nil {
		return nil, err
	}
	info, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata; always 1.",
	}, []string{"version", "git_sha"}))
	if err != nil {
		return nil, err
	}
	info.WithLabelValues(version.Version, version.GitSHA).Set(1)

	return &Collector{
		gatherer:        gatherer,
		session:         session,
		Envelopes:       envelopes,
		Bytes:           bytes,
		Resyncs:         resyncs,
		Skipped:         skipped,
		Events:          events,
		filtered:        events.WithLabelValues(session, "filtered"),
		schemaErrors:    events.WithLabelValues(session, "schema_error"),
		pulses:          events.WithLabelValues(session, "pulse"),
		droppedAwaiting: events.WithLabelValues(session, "dropped_awaiting"),
		duplicates:      events.WithLabelValues(session, "duplicate"),
		reconnects:      events.WithLabelValues(session, "reconnect"),
	}, nil
}

func (c *Collector) AddEnvelope(kind packet.Kind, n int) {
	c.Envelopes.WithLabelValues(c.session, kind.String()).Inc()
	c.Bytes.WithLabelValues(c.session).Add(float64(n))
}

func (c *Collector) AddResync(skipped int) {
	c.Resyncs.WithLabelValues(c.session).Inc()
	c.Skipped.WithLabelValues(c.session).Add(float64(skipped))
}

func (c *Collector) AddFiltered()        { c.filtered.Inc() }
func (c *Collector) AddSchemaError()     { c.schemaErrors.Inc() }
func (c *Collector) AddPulse()           { c.pulses.Inc() }
func (c *Collector) AddDroppedAwaiting() { c.droppedAwaiting.Inc() }
func (c *Collector) AddDuplicate()       { c.duplicates.Inc() }
func (c *Collector) AddReconnect()       { c.reconnects.Inc() }

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// register registers c, or returns the collector of the same type already
// registered under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
