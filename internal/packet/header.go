package packet

import (
	"encoding/binary"
	"math/bits"
)

// Header is the decoded 8-byte envelope prefix.
type Header struct {
	Kind   Kind
	Length uint32
	// Order is the byte order the producer used; big-endian headers are
	// only produced when swapped headers are accepted.
	Order binary.ByteOrder
}

// ParseHeader interprets the first HeaderSize bytes of b as an envelope
// header. It reports false when the bytes are not a known, size-valid
// kind/length pair. When acceptSwapped is set, a pair that only validates
// after byte-swapping both words is accepted and decoded as big-endian.
//
// The swapped match is a heuristic: arbitrary payload bytes can happen to
// line up with a swapped kind id and a plausible length.
func ParseHeader(b []byte, acceptSwapped bool) (Header, bool) {
	if len(b) < HeaderSize {
		return Header{}, false
	}
	kind := binary.LittleEndian.Uint32(b[0:4])
	length := binary.LittleEndian.Uint32(b[4:8])
	if IsValid(kind, length) {
		return Header{Kind: Kind(kind), Length: length, Order: binary.LittleEndian}, true
	}
	if !acceptSwapped {
		return Header{}, false
	}
	kind, length = bits.ReverseBytes32(kind), bits.ReverseBytes32(length)
	if IsValid(kind, length) {
		return Header{Kind: Kind(kind), Length: length, Order: binary.BigEndian}, true
	}
	return Header{}, false
}

// IsSyncMarker reports whether b begins with the two-word sync marker in
// either byte order.
func IsSyncMarker(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	w0 := binary.LittleEndian.Uint32(b[0:4])
	w1 := binary.LittleEndian.Uint32(b[4:8])
	if w0 == SyncWord0 && w1 == SyncWord1 {
		return true
	}
	return w0 == SyncWord0 && bits.ReverseBytes32(w1) == SyncWord1
}

// SyncMarker returns the 8-byte little-endian sync marker.
func SyncMarker() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], SyncWord0)
	binary.LittleEndian.PutUint32(b[4:8], SyncWord1)
	return b
}
