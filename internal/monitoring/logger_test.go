package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerRedirectsAndMutes(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("resync after %d bytes", 40)
	if len(lines) != 1 || lines[0] != "resync after 40 bytes" {
		t.Fatalf("lines = %q", lines)
	}

	// A muted logger must not reach the previous one.
	SetLogger(nil)
	Logf("dropped")
	if len(lines) != 1 {
		t.Errorf("muted logger still wrote: %q", lines)
	}
}

func TestTagged(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	logf := Tagged("framing")
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	logf("skipped %d bytes", 12)

	if got != "[framing] skipped 12 bytes" {
		t.Errorf("Tagged output = %q", got)
	}
}

func TestHeartbeatBeat(t *testing.T) {
	var nilBeat Heartbeat
	nilBeat.Beat("waiting") // must not panic

	var calls []string
	h := Heartbeat(func(status string) { calls = append(calls, status) })
	h.Beat("reading queue")
	if len(calls) != 1 || calls[0] != "reading queue" {
		t.Errorf("heartbeat calls = %v", calls)
	}
	NoHeartbeat("ignored")
}
