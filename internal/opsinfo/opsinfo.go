// Package opsinfo keeps the latest instance of every ops info packet kind
// seen on a stream. Each Reader owns one Aggregator; there is no shared
// process-wide table.
package opsinfo

import (
	"fmt"
	"time"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
)

var logf = monitoring.Tagged("opsinfo")

// Entry is the stored state for one info kind.
type Entry struct {
	Body   packet.Body
	Seq    int64
	Time   time.Time
	Active bool
}

// Snapshot is a copy of the aggregator's slots, keyed by kind.
type Snapshot map[packet.Kind]Entry

// Aggregator absorbs info envelopes and tracks pending scan events.
// It is not safe for concurrent use.
type Aggregator struct {
	slots   map[packet.Kind]*Entry
	pending uint32

	// absorbed counts info envelopes per kind since the last Reset.
	absorbed map[packet.Kind]int
}

// New returns an empty aggregator.
func New() *Aggregator {
	a := &Aggregator{}
	a.Reset()
	return a
}

// Reset forgets every stored info packet and pending event.
func (a *Aggregator) Reset() {
	a.slots = make(map[packet.Kind]*Entry, len(packet.InfoKinds))
	for _, k := range packet.InfoKinds {
		a.slots[k] = &Entry{}
	}
	a.absorbed = make(map[packet.Kind]int, len(packet.InfoKinds))
	a.pending = 0
}

// Absorb stores the decoded body of an info envelope. It returns false and
// leaves the aggregator untouched for pulses and unknown kinds.
func (a *Aggregator) Absorb(env *packet.Envelope, body packet.Body) bool {
	slot, ok := a.slots[env.Kind]
	if !ok || body == nil || body.Kind() != env.Kind {
		return false
	}
	*slot = Entry{Body: body, Seq: env.Seq, Time: env.Time, Active: true}
	a.absorbed[env.Kind]++
	if seg, ok := body.(packet.ScanSegment); ok {
		a.pending |= seg.Events
	}
	return true
}

// AbsorbEnvelope decodes env and absorbs it. Schema errors are returned
// wrapped; the aggregator is unchanged in that case.
func (a *Aggregator) AbsorbEnvelope(env *packet.Envelope) error {
	if !env.Kind.IsInfo() {
		return fmt.Errorf("opsinfo: %s is not an info kind", env.Kind)
	}
	body, err := packet.Decode(env)
	if err != nil {
		return err
	}
	a.Absorb(env, body)
	return nil
}

// IsEssentialReady reports whether both RadarInfo and Processing have been
// absorbed since the last Reset.
func (a *Aggregator) IsEssentialReady() bool {
	return a.slots[packet.KindRadarInfo].Active && a.slots[packet.KindProcessing].Active
}

// HasChangedSince reports whether any info kind was absorbed with a
// sequence number greater than seq.
func (a *Aggregator) HasChangedSince(seq int64) bool {
	for _, e := range a.slots {
		if e.Active && e.Seq > seq {
			return true
		}
	}
	return false
}

// TakeEvents returns the pending scan event bits and clears them.
func (a *Aggregator) TakeEvents() uint32 {
	ev := a.pending
	a.pending = 0
	return ev
}

// Get returns the slot for kind.
func (a *Aggregator) Get(kind packet.Kind) (Entry, bool) {
	e, ok := a.slots[kind]
	if !ok || !e.Active {
		return Entry{}, false
	}
	return *e, true
}

// RadarInfo returns the latest radar info, if any.
func (a *Aggregator) RadarInfo() (packet.RadarInfo, bool) {
	e, ok := a.Get(packet.KindRadarInfo)
	if !ok {
		return packet.RadarInfo{}, false
	}
	return e.Body.(packet.RadarInfo), true
}

// Processing returns the latest processing info, if any.
func (a *Aggregator) Processing() (packet.Processing, bool) {
	e, ok := a.Get(packet.KindProcessing)
	if !ok {
		return packet.Processing{}, false
	}
	return e.Body.(packet.Processing), true
}

// Georef returns the georeference sample stored in the primary or
// secondary slot.
func (a *Aggregator) Georef(secondary bool) (packet.Georef, time.Time, bool) {
	kind := packet.KindGeorefPrimary
	if secondary {
		kind = packet.KindGeorefSecondary
	}
	e, ok := a.Get(kind)
	if !ok {
		return packet.Georef{}, time.Time{}, false
	}
	return e.Body.(packet.Georef), e.Time, true
}

// Snapshot copies the current slots, including inactive ones.
func (a *Aggregator) Snapshot() Snapshot {
	s := make(Snapshot, len(a.slots))
	for k, e := range a.slots {
		s[k] = *e
	}
	return s
}

// Counts returns how many envelopes of each info kind were absorbed since
// the last Reset.
func (a *Aggregator) Counts() map[packet.Kind]int {
	out := make(map[packet.Kind]int, len(a.absorbed))
	for k, n := range a.absorbed {
		out[k] = n
	}
	return out
}

// LogSummary writes one line describing the active slots.
func (a *Aggregator) LogSummary() {
	active := 0
	for _, k := range packet.InfoKinds {
		if a.slots[k].Active {
			active++
		}
	}
	ri, _ := a.RadarInfo()
	logf("%d/%d info kinds active, radar=%q site=%q essential=%v",
		active, len(packet.InfoKinds), ri.RadarName, ri.SiteName, a.IsEssentialReady())
}
