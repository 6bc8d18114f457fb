package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewTestLogger returns a logger that writes Debug+ logs to the test's log in local time.
func NewTestLogger(tb testing.TB) Logger {
	return newLogger("", DEBUG, false, testAppender{tb})
}

// NewObservedTestLogger is like NewTestLogger but also keeps the entries in memory for
// assertions.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	return newLogger("", DEBUG, false, testAppender{tb}, core), logs
}

// testAppender formats entries like the console appender and writes them with tb.Log, which
// keeps lines attached to the right test when tests run in parallel.
type testAppender struct {
	tb testing.TB
}

func (a testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	a.tb.Helper()
	var buf bytes.Buffer
	err := NewWriterAppender(&buf).Write(entry, fields)
	a.tb.Log(strings.TrimSuffix(buf.String(), "\n"))
	return err
}

func (a testAppender) Sync() error {
	return nil
}
