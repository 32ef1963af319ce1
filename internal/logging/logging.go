// Package logging provides the leveled, prefix-based logging used across
// the sync engine's long-running components. It wraps the standard
// library's log package rather than a structured logging library, keeping
// the ad hoc log.Printf/fmt.Fprintf(os.Stderr, ...) idiom used elsewhere in
// this codebase, but gives every component its own named, level-gated
// logger instead of scattered Fprintf calls.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var verbose atomic.Bool

// SetVerbose toggles debug-level output process-wide.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Logger is a named, level-prefixed wrapper around the standard logger.
type Logger struct {
	name string
	std  *log.Logger
}

// New returns a Logger that tags every line with name after the level,
// e.g. "WARN [peer] ...".
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) line(level, format string, args ...interface{}) string {
	return fmt.Sprintf("%s [%s] %s", level, l.name, fmt.Sprintf(format, args...))
}

// Debugf logs at debug level; suppressed unless SetVerbose(true) was called.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !verbose.Load() {
		return
	}
	l.std.Print(l.line("DEBUG", format, args...))
}

// Warnf logs at warning level; used for recoverable conditions such as a
// dropped transport send or a decode failure.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Print(l.line("WARN", format, args...))
}

// Errorf logs at error level; used for failures that are caught and
// swallowed so they cannot tear down the sync engine.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Print(l.line("ERROR", format, args...))
}
