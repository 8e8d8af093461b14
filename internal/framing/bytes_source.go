package framing

import "io"

// BytesSource is an in-memory ByteSource over a fixed buffer. The queue
// backend uses one per message; tests use it to script streams.
type BytesSource struct {
	buf []byte
	pos int
}

// NewBytesSource returns a source positioned at the start of b.
func NewBytesSource(b []byte) *BytesSource {
	return &BytesSource{buf: b}
}

// Peek returns the next n bytes without consuming them.
func (s *BytesSource) Peek(n int) ([]byte, error) {
	remaining := len(s.buf) - s.pos
	if remaining == 0 {
		return nil, io.EOF
	}
	if remaining < n {
		return s.buf[s.pos:], io.ErrUnexpectedEOF
	}
	return s.buf[s.pos : s.pos+n], nil
}

// Discard skips n bytes.
func (s *BytesSource) Discard(n int) error {
	if len(s.buf)-s.pos < n {
		s.pos = len(s.buf)
		return io.ErrUnexpectedEOF
	}
	s.pos += n
	return nil
}

// ReadFull copies the next len(p) bytes into p.
func (s *BytesSource) ReadFull(p []byte) error {
	if len(s.buf)-s.pos < len(p) {
		if s.pos == len(s.buf) {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	s.pos += copy(p, s.buf[s.pos:])
	return nil
}

// Offset returns the number of bytes consumed so far.
func (s *BytesSource) Offset() int { return s.pos }

// Remaining returns the number of unread bytes.
func (s *BytesSource) Remaining() int { return len(s.buf) - s.pos }
