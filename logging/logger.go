package logging

// Logger is the logging interface handed to every calibration component. Subloggers and
// WithFields copies share the appenders of their parent.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Fatal logs at ERROR and exits. It lets a Logger drive utils.ContextualMain.
	Fatal(args ...interface{})

	// Sublogger returns a logger named "<name>.<subname>" with its own level.
	Sublogger(subname string) Logger
	// WithFields returns a logger that adds the key/value pairs to every entry. It shares the
	// level of its parent.
	WithFields(keysAndValues ...interface{}) Logger

	SetLevel(level Level)
	GetLevel() Level
	Sync() error
}
