package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by MockPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// MockPort is an in-memory Port for tests. Reads return buffered data, or
// (0, nil) once the read timeout elapses with nothing buffered, as a real
// port does.
type MockPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	timeout  time.Duration
	closed   bool
	readErr  error
	Timeouts int
}

// NewMockPort returns an empty port.
func NewMockPort() *MockPort {
	m := &MockPort{timeout: -1}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// AddReadData queues data for subsequent reads.
func (m *MockPort) AddReadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Write(data)
	m.cond.Broadcast()
}

// FailNextRead makes the first read after the buffered data drains
// return err.
func (m *MockPort) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
	m.cond.Broadcast()
}

func (m *MockPort) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return nil
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deadline time.Time
	if m.timeout >= 0 {
		deadline = time.Now().Add(m.timeout)
		// Wake the waiter when the timeout passes.
		t := time.AfterFunc(m.timeout, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		defer t.Stop()
	}
	for !m.closed && m.readErr == nil && m.buf.Len() == 0 {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			m.Timeouts++
			return 0, nil
		}
		m.cond.Wait()
	}
	if m.closed {
		return 0, ErrPortClosed
	}
	if m.buf.Len() > 0 {
		return m.buf.Read(p)
	}
	err := m.readErr
	m.readErr = nil
	return 0, err
}

// Close marks the port closed and wakes blocked readers.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
