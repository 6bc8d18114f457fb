package logging

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// callerSkip is the number of frames between a Logger method's caller and getCaller.
const callerSkip = 4

type logger struct {
	name  string
	level zap.AtomicLevel
	utc   bool
	// fields are added to every entry, after the session context of a parent.
	fields    []zapcore.Field
	appenders []Appender
}

func newLogger(name string, level Level, utc bool, appenders ...Appender) *logger {
	return &logger{name: name, level: zap.NewAtomicLevelAt(level.AsZap()), utc: utc, appenders: appenders}
}

func (l *logger) Sublogger(subname string) Logger {
	name := subname
	if l.name != "" {
		name = l.name + "." + subname
	}
	sub := *l
	sub.name = name
	sub.level = zap.NewAtomicLevelAt(l.level.Level())
	return &sub
}

func (l *logger) WithFields(keysAndValues ...interface{}) Logger {
	with := *l
	with.fields = append(slices.Clip(l.fields), toFields(keysAndValues)...)
	return &with
}

func (l *logger) SetLevel(level Level) {
	l.level.SetLevel(level.AsZap())
}

func (l *logger) GetLevel() Level {
	return levelFromZap(l.level.Level())
}

func (l *logger) Sync() error {
	errs := make([]error, 0, len(l.appenders))
	for _, a := range l.appenders {
		errs = append(errs, a.Sync())
	}
	return multierr.Combine(errs...)
}

func (l *logger) Debug(args ...interface{})                   { l.print(DEBUG, args) }
func (l *logger) Debugf(template string, args ...interface{}) { l.printf(DEBUG, template, args) }
func (l *logger) Debugw(msg string, kv ...interface{})        { l.printw(DEBUG, msg, kv) }
func (l *logger) Info(args ...interface{})                    { l.print(INFO, args) }
func (l *logger) Infof(template string, args ...interface{})  { l.printf(INFO, template, args) }
func (l *logger) Infow(msg string, kv ...interface{})         { l.printw(INFO, msg, kv) }
func (l *logger) Warn(args ...interface{})                    { l.print(WARN, args) }
func (l *logger) Warnf(template string, args ...interface{})  { l.printf(WARN, template, args) }
func (l *logger) Warnw(msg string, kv ...interface{})         { l.printw(WARN, msg, kv) }
func (l *logger) Error(args ...interface{})                   { l.print(ERROR, args) }
func (l *logger) Errorf(template string, args ...interface{}) { l.printf(ERROR, template, args) }
func (l *logger) Errorw(msg string, kv ...interface{})        { l.printw(ERROR, msg, kv) }

func (l *logger) Fatal(args ...interface{}) {
	l.print(ERROR, args)
	syncOrReport(l)
	os.Exit(1)
}

func (l *logger) print(level Level, args []interface{}) {
	if l.level.Enabled(level.AsZap()) {
		l.emit(level, fmt.Sprint(args...), nil)
	}
}

func (l *logger) printf(level Level, template string, args []interface{}) {
	if l.level.Enabled(level.AsZap()) {
		l.emit(level, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) printw(level Level, msg string, keysAndValues []interface{}) {
	if l.level.Enabled(level.AsZap()) {
		l.emit(level, msg, toFields(keysAndValues))
	}
}

func (l *logger) emit(level Level, msg string, fields []zapcore.Field) {
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       time.Now(),
		LoggerName: l.name,
		Message:    msg,
		Caller:     getCaller(),
	}
	if l.utc {
		entry.Time = entry.Time.UTC()
	}
	if len(l.fields) > 0 {
		fields = append(slices.Clip(l.fields), fields...)
	}
	for _, a := range l.appenders {
		if err := a.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// toFields pairs up keys and values. Values are JSON encoded, so only exported struct fields
// appear. A key without a value is kept with an error in its place.
func toFields(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			fields = append(fields, zap.String(key, "unpaired log key"))
			break
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

// syncOrReport flushes the appenders before the process exits.
func syncOrReport(l *logger) {
	if err := l.Sync(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func getCaller() zapcore.EntryCaller {
	var c zapcore.EntryCaller
	var ok bool
	c.PC, c.File, c.Line, ok = runtime.Caller(callerSkip)
	if !ok {
		return c
	}
	c.Defined = true
	if fn := runtime.FuncForPC(c.PC); fn != nil {
		c.Function = fn.Name()
	}
	return c
}
