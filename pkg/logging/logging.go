package logging

const (
	LogLevelDebug = 0
	LogLevelInfo  = 1
	LogLevelWarn  = 2
	LogLevelError = 3
	// LogLevelFatal marks reports that need human attention. It never exits the process.
	LogLevelFatal = 4
)

const fatalMarker = "FATAL: "

type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatalf(msg string, args ...interface{})
}

type LogLevelFunc func(level int, format string, args ...interface{})
type LogFunc func(format string, args ...interface{})

// LogFuncs are the sinks behind a Logger. LogLevelf, when set, receives every level
// and the per-level funcs are ignored. Fatal goes to Errorf with a FATAL marker otherwise.
type LogFuncs struct {
	LogLevelf LogLevelFunc
	Debugf    LogFunc
	Infof     LogFunc
	Warnf     LogFunc
	Errorf    LogFunc
}

type logger struct {
	prefix string
	sinks  [LogLevelFatal + 1]LogFunc
}

func NewLogger(prefix string, funcs LogFuncs) Logger {
	l := &logger{prefix: prefix}
	if funcs.LogLevelf != nil {
		for level := range l.sinks {
			l.sinks[level] = bindLevel(funcs.LogLevelf, level)
		}
		return l
	}

	l.sinks[LogLevelDebug] = funcs.Debugf
	l.sinks[LogLevelInfo] = funcs.Infof
	l.sinks[LogLevelWarn] = funcs.Warnf
	l.sinks[LogLevelError] = funcs.Errorf
	if funcs.Errorf != nil {
		errorf := funcs.Errorf
		l.sinks[LogLevelFatal] = func(format string, args ...interface{}) {
			errorf(fatalMarker+format, args...)
		}
	}
	return l
}

// WithPrefix returns a logger that prepends prefix to the messages of parent.
// Prefixes of this package's loggers are merged so every logger has the same call depth.
func WithPrefix(parent Logger, prefix string) Logger {
	if l, ok := parent.(*logger); ok {
		return &logger{prefix: l.prefix + prefix, sinks: l.sinks}
	}
	return NewLogger(prefix, LogFuncs{
		LogLevelf: parent.LogLevelf,
	})
}

func bindLevel(logLevelf LogLevelFunc, level int) LogFunc {
	return func(format string, args ...interface{}) {
		logLevelf(level, format, args...)
	}
}

func (l *logger) LogLevelf(level int, format string, args ...interface{}) {
	if level < 0 || level >= len(l.sinks) {
		level = LogLevelInfo
	}
	sink := l.sinks[level]
	if sink == nil {
		return
	}
	sink(l.prefix+format, args...)
}

func (l *logger) Debugf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelDebug, msg, args...)
}

func (l *logger) Infof(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelInfo, msg, args...)
}

func (l *logger) Warnf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelWarn, msg, args...)
}

func (l *logger) Errorf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelError, msg, args...)
}

func (l *logger) Fatalf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelFatal, msg, args...)
}
