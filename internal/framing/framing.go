// Package framing turns a raw byte supply into validated envelopes and
// recovers alignment when the stream stops making sense. Every transport
// (file, queue, socket, serial) plugs into the same Framer through the
// ByteSource interface, so there is exactly one resync implementation.
package framing

import (
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/packet"
)

var logf = monitoring.Tagged("framing")

// ByteSource is the per-transport byte supplier.
//
// Peek returns the next n bytes without consuming them. It returns io.EOF
// when the source is cleanly exhausted and io.ErrUnexpectedEOF when fewer
// than n bytes remain. Bytes already buffered must survive a timeout error.
//
// ReadFull consumes exactly len(p) bytes. On a timeout it must leave the
// cursor where it was.
type ByteSource interface {
	Peek(n int) ([]byte, error)
	Discard(n int) error
	ReadFull(p []byte) error
}

// ResyncError reports that the stream ended while searching for the next
// envelope boundary. The stream cannot be recovered.
type ResyncError struct {
	Skipped int
	Err     error
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("resync: stream ended after skipping %d bytes: %v", e.Skipped, e.Err)
}

func (e *ResyncError) Unwrap() error { return e.Err }

// Options tune envelope recognition.
type Options struct {
	// AcceptSwapped also accepts byte-swapped kind/length pairs, both in
	// normal reads and while resynchronizing. This is a heuristic: payload
	// bytes can match a swapped kind id by chance.
	AcceptSwapped bool

	// OnResync is called after every successful resync that moved the
	// cursor, with the number of bytes skipped.
	OnResync func(skipped int, marker bool)
}

// Framer reads envelopes from a ByteSource.
type Framer struct {
	src  ByteSource
	opts Options
}

// NewFramer wraps src.
func NewFramer(src ByteSource, opts Options) *Framer {
	return &Framer{src: src, opts: opts}
}

// SetSource replaces the underlying byte source, for example after a
// reconnect or when advancing to the next file.
func (f *Framer) SetSource(src ByteSource) {
	f.src = src
}

// Next returns the next valid envelope. A clean end of the source returns
// io.EOF. Truncation or exhaustion during resync returns *ResyncError.
// Schema failures wrap packet.ErrSchema; the cursor is then positioned
// after the discarded envelope. Any other source error (such as a timeout)
// is returned unchanged and reading may be retried.
func (f *Framer) Next() (*packet.Envelope, error) {
	for {
		b, err := f.src.Peek(packet.HeaderSize)
		if err != nil {
			return nil, endOfSource(err)
		}
		h, ok := packet.ParseHeader(b, f.opts.AcceptSwapped)
		if !ok {
			if _, err := f.Resync(); err != nil {
				return nil, err
			}
			continue
		}

		raw := make([]byte, h.Length)
		if err := f.src.ReadFull(raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &ResyncError{Err: fmt.Errorf("truncated %s envelope (%d bytes declared): %w", h.Kind, h.Length, io.ErrUnexpectedEOF)}
			}
			return nil, err
		}
		return packet.NewEnvelope(h, raw)
	}
}

// Resync advances the source one byte at a time until it sits on either a
// sync marker (which is consumed) or a valid envelope header (which is not).
// An aligned source is left untouched. It returns the number of bytes
// skipped, not counting a consumed marker.
func (f *Framer) Resync() (int, error) {
	skipped := 0
	for {
		b, err := f.src.Peek(packet.HeaderSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logf("stream ended during resync after %d bytes", skipped)
				return skipped, &ResyncError{Skipped: skipped, Err: err}
			}
			return skipped, err
		}
		if packet.IsSyncMarker(b) {
			if err := f.src.Discard(packet.HeaderSize); err != nil {
				return skipped, err
			}
			f.resynced(skipped, true)
			return skipped, nil
		}
		if _, ok := packet.ParseHeader(b, f.opts.AcceptSwapped); ok {
			if skipped > 0 {
				f.resynced(skipped, false)
			}
			return skipped, nil
		}
		if err := f.src.Discard(1); err != nil {
			return skipped, err
		}
		skipped++
	}
}

func (f *Framer) resynced(skipped int, marker bool) {
	if marker {
		logf("recovered at sync marker after skipping %d bytes", skipped)
	} else {
		logf("recovered at envelope boundary after skipping %d bytes", skipped)
	}
	if f.opts.OnResync != nil {
		f.opts.OnResync(skipped, marker)
	}
}

// endOfSource maps a trailing partial header to a ResyncError; a clean
// io.EOF passes through.
func endOfSource(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &ResyncError{Err: err}
	}
	return err
}
