// Package monitoring holds the process-wide diagnostic logger used by the
// fusion core and its tools.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf reports conditions an operator should see: dropped or stale
// measurements, fuzzy-tracking transitions, rejected initialisation. It
// defaults to log.Printf and may be replaced with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces the package logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug enables or disables Debugf output.
func SetDebug(on bool) { debug.Store(on) }

// DebugEnabled reports whether Debugf output is on.
func DebugEnabled() bool { return debug.Load() }

// Debugf forwards to Logf with a "[debug] " prefix when debug output is on.
// Used for per-sample events that would flood the log at IMU rate.
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	Logf("[debug] "+format, v...)
}
