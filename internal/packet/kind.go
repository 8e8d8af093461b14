// Package packet defines the envelope wire format shared by every pulse
// stream source: the closed set of packet kinds, their valid lengths, the
// sync marker, and the decoded payload bodies.
//
// Every envelope starts with an 8-byte header (kind, total length) followed
// by a common info block carrying the packet sequence number, radar id and
// timestamp. Payloads are little-endian unless the producer byte-swapped the
// whole packet, in which case the header decodes as big-endian and the body
// follows suit.
package packet

import "fmt"

// Kind identifies the packet type carried in an envelope header.
type Kind uint32

// Packet kind identifiers. The info kinds update slowly; Pulse carries one
// transmit/receive cycle.
const (
	KindRadarInfo       Kind = 0x77770001
	KindScanSegment     Kind = 0x77770002
	KindProcessing      Kind = 0x77770003
	KindStatusText      Kind = 0x77770004
	KindCalibration     Kind = 0x77770005
	KindGeorefPrimary   Kind = 0x77770006
	KindGeorefSecondary Kind = 0x77770007
	KindPulse           Kind = 0x77770010
)

// Sync marker words. The pair is never a valid kind/length combination and
// is only meaningful to the resynchronizer.
const (
	SyncWord0 uint32 = 0x2a2a2a2a
	SyncWord1 uint32 = 0x7777ffff
)

const (
	HeaderSize     = 8  // kind + length
	CommonInfoSize = 40 // header + seq, version, radar id, time
	PulseDataStart = 96 // offset of sample data in a pulse envelope

	radarInfoSize   = 144
	scanSegmentSize = 64
	processingSize  = 72
	calibrationSize = 112
	georefSize      = 112

	statusTextMin = 48
	maxStatusText = 64 * 1024
	maxPulseData  = 16 * 1024 * 1024

	// fixedSlack lets later schema versions append fields to fixed-size kinds
	// without the reader treating them as framing errors.
	fixedSlack = 256
)

// MaxEnvelopeLen is the largest declared length any known kind may carry.
const MaxEnvelopeLen = PulseDataStart + maxPulseData

type lengthRange struct {
	min, max uint32
}

var validLengths = map[Kind]lengthRange{
	KindRadarInfo:       {radarInfoSize, radarInfoSize + fixedSlack},
	KindScanSegment:     {scanSegmentSize, scanSegmentSize + fixedSlack},
	KindProcessing:      {processingSize, processingSize + fixedSlack},
	KindStatusText:      {statusTextMin, statusTextMin + maxStatusText},
	KindCalibration:     {calibrationSize, calibrationSize + fixedSlack},
	KindGeorefPrimary:   {georefSize, georefSize + fixedSlack},
	KindGeorefSecondary: {georefSize, georefSize + fixedSlack},
	KindPulse:           {PulseDataStart, MaxEnvelopeLen},
}

// InfoKinds lists the seven non-pulse kinds tracked by the ops info
// aggregator, in a stable order.
var InfoKinds = []Kind{
	KindRadarInfo,
	KindScanSegment,
	KindProcessing,
	KindStatusText,
	KindCalibration,
	KindGeorefPrimary,
	KindGeorefSecondary,
}

// Known reports whether k is one of the recognized packet kinds.
func (k Kind) Known() bool {
	_, ok := validLengths[k]
	return ok
}

// IsInfo reports whether k is an ops info kind.
func (k Kind) IsInfo() bool {
	return k.Known() && k != KindPulse
}

// ValidLength reports whether length is an acceptable declared length for k.
func (k Kind) ValidLength(length uint32) bool {
	r, ok := validLengths[k]
	if !ok {
		return false
	}
	return length >= r.min && length <= r.max
}

func (k Kind) String() string {
	switch k {
	case KindRadarInfo:
		return "radar_info"
	case KindScanSegment:
		return "scan_segment"
	case KindProcessing:
		return "processing"
	case KindStatusText:
		return "status_text"
	case KindCalibration:
		return "calibration"
	case KindGeorefPrimary:
		return "georef_primary"
	case KindGeorefSecondary:
		return "georef_secondary"
	case KindPulse:
		return "pulse"
	default:
		return fmt.Sprintf("unknown(0x%08x)", uint32(k))
	}
}

// IsValid is the envelope predicate: a recognized kind whose declared
// length falls inside the kind's valid range.
func IsValid(kind, length uint32) bool {
	return Kind(kind).ValidLength(length)
}
