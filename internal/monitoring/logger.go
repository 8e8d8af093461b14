// Package monitoring holds the process-wide diagnostic hooks: the logger
// every package writes through and the heartbeat callback blocking waits
// use to signal liveness to an external supervisor.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Tagged returns a logger that prefixes every message with "[tag] ". The
// returned function resolves Logf at call time so SetLogger still applies.
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// Heartbeat is invoked periodically while a reader blocks waiting for data.
// The status string describes what the reader is waiting on.
type Heartbeat func(status string)

// NoHeartbeat is the default heartbeat; it does nothing.
func NoHeartbeat(string) {}

// Beat calls h when it is set.
func (h Heartbeat) Beat(status string) {
	if h != nil {
		h(status)
	}
}
