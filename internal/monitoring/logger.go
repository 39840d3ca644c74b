// Package monitoring holds the process-wide diagnostic logger used by the
// player, cache and conversion subsystems.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc formats and emits one diagnostic line.
type LogFunc func(format string, v ...interface{})

var current atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes through the installed logger, log.Printf by default.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger installs f and returns the logger it replaced. A nil f mutes
// all output. Safe to call while other goroutines are logging.
func SetLogger(f LogFunc) LogFunc {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	if prev := current.Swap(&f); prev != nil {
		return *prev
	}
	return nil
}

// Tagged returns a logger that prefixes every line with "[tag] ". It looks
// up the installed logger on each call, so SetLogger applies to it later.
func Tagged(tag string) LogFunc {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
