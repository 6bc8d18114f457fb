// Package logging is the leveled, appender based logger used throughout the calibration engine.
package logging

import (
	"io"
	"path/filepath"

	"go.uber.org/multierr"
)

// SessionLogFile is the log a session writes next to its results.
const SessionLogFile = "session.log"

// NewLogger returns a logger that writes Info+ logs to stdout in UTC.
func NewLogger(name string) Logger {
	return newLogger(name, INFO, true, NewStdoutAppender())
}

// NewSessionLogger returns a logger that writes to console and to SessionLogFile in dir, in UTC.
// The returned func flushes and closes the log file.
func NewSessionLogger(name string, level Level, console io.Writer, dir string) (Logger, func() error) {
	file := NewFileAppender(filepath.Join(dir, SessionLogFile))
	l := newLogger(name, level, true, NewWriterAppender(console), file)
	return l, func() error {
		return multierr.Combine(l.Sync(), file.Close())
	}
}
