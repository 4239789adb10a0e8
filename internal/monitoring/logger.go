// Package monitoring carries the process-wide diagnostic logger shared by
// the acquisition components. Callers on the camera hot path log through
// Logf rather than holding their own logger so tests can mute or capture
// output in one place.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Value

func init() {
	current.Store(logFunc(log.Printf))
}

// Logf formats and records one diagnostic line via the installed logger.
func Logf(format string, v ...interface{}) {
	current.Load().(logFunc)(format, v...)
}

// SetLogger replaces the installed logger. A nil argument mutes logging.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		current.Store(logFunc(func(string, ...interface{}) {}))
		return
	}
	current.Store(logFunc(f))
}
