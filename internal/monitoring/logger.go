// Package monitoring provides the engine's diagnostic logger and its
// Prometheus instruments.
package monitoring

import (
	"log"
	"sync/atomic"
)

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

var debugEnabled atomic.Bool

// SetDebug toggles debug-level logging. Off by default.
func SetDebug(on bool) {
	debugEnabled.Store(on)
}

// DebugEnabled reports whether debug logging is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// Debugf logs through Logf when debug logging is enabled. Per-sample
// diagnostics (filter decisions, transition evaluations) go through here so
// steady-state logs stay quiet.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf("debug: "+format, v...)
	}
}
