package framing

import (
	"errors"
	"io"
)

const defaultBufferSize = 64 * 1024

// ErrNoProgress is returned when the underlying reader keeps returning
// zero bytes without an error.
var ErrNoProgress = errors.New("framing: reader returned no data")

// ReaderSource adapts an io.Reader (file, TCP connection, serial line) to
// ByteSource. Unconsumed bytes stay buffered across read errors, so a
// timeout in the middle of a peek or payload read loses nothing and the
// same call can simply be retried.
type ReaderSource struct {
	r          io.Reader
	buf        []byte
	start, end int

	// EOFErr, when set, replaces io.EOF from the underlying reader. Tailing
	// readers use it to turn end-of-file into a retryable condition.
	EOFErr error
}

// NewReaderSource wraps r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, buf: make([]byte, defaultBufferSize)}
}

// Buffered returns the number of bytes read but not yet consumed.
func (s *ReaderSource) Buffered() int { return s.end - s.start }

// fill reads until at least n bytes are buffered.
func (s *ReaderSource) fill(n int) error {
	zeroReads := 0
	for s.end-s.start < n {
		if len(s.buf)-s.start < n {
			s.grow(n)
		}
		m, err := s.r.Read(s.buf[s.end:])
		s.end += m
		if s.end-s.start >= n {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && s.EOFErr != nil {
				return s.EOFErr
			}
			return err
		}
		if m == 0 {
			zeroReads++
			if zeroReads > 100 {
				return ErrNoProgress
			}
		}
	}
	return nil
}

// grow makes room for n unconsumed bytes, compacting first.
func (s *ReaderSource) grow(n int) {
	size := len(s.buf)
	for size < n {
		size *= 2
	}
	if size == len(s.buf) && s.start > 0 {
		copy(s.buf, s.buf[s.start:s.end])
	} else {
		nb := make([]byte, size)
		copy(nb, s.buf[s.start:s.end])
		s.buf = nb
	}
	s.end -= s.start
	s.start = 0
}

// Peek returns the next n bytes without consuming them.
func (s *ReaderSource) Peek(n int) ([]byte, error) {
	if err := s.fill(n); err != nil {
		if errors.Is(err, io.EOF) {
			if s.end == s.start {
				return nil, io.EOF
			}
			return s.buf[s.start:s.end], io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return s.buf[s.start : s.start+n], nil
}

// Discard consumes n bytes.
func (s *ReaderSource) Discard(n int) error {
	if _, err := s.Peek(n); err != nil {
		return err
	}
	s.start += n
	if s.start == s.end {
		s.start, s.end = 0, 0
	}
	return nil
}

// ReadFull consumes len(p) bytes into p. Nothing is consumed on error.
func (s *ReaderSource) ReadFull(p []byte) error {
	b, err := s.Peek(len(p))
	if err != nil {
		return err
	}
	copy(p, b)
	return s.Discard(len(p))
}
