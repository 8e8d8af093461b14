package serialport

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial port surface the reader needs. It enables
// unit testing without real serial hardware.
type Port interface {
	io.ReadCloser
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the port at path.
type Opener func(path string, opts PortOptions) (Port, error)

// Open opens a real serial port with go.bug.st/serial.
func Open(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return p, nil
}

// DeadlineConn turns a Port's read timeout into deadline semantics: a read
// that returns no data before the deadline fails with
// os.ErrDeadlineExceeded instead of (0, nil).
type DeadlineConn struct {
	port     Port
	mu       sync.Mutex
	deadline time.Time
}

// NewDeadlineConn wraps p.
func NewDeadlineConn(p Port) *DeadlineConn {
	return &DeadlineConn{port: p}
}

// SetReadDeadline sets the deadline for subsequent reads. A zero time
// blocks indefinitely.
func (c *DeadlineConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *DeadlineConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	timeout := serial.NoTimeout
	if !deadline.IsZero() {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
	}
	if err := c.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("set serial read timeout: %w", err)
	}
	n, err := c.port.Read(p)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

// Close closes the port.
func (c *DeadlineConn) Close() error {
	return c.port.Close()
}
