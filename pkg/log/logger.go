package log

import (
	"log/slog"
	"time"
)

// Level is the severity of an entry.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel

	// levelOff is above every real level; a logger set to it writes nothing.
	levelOff
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Fields maps field names to values.
type Fields map[string]interface{}

// Well-known field keys.
const (
	ComponentKey = "component"
	JobIDKey     = "job_id"
	ErrorKey     = "error"
)

// Entry is one formatted log line before it reaches the outputs.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
	Error     error
}

// Logger is the structured logger every component receives.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger that adds fields to every entry.
	With(fields ...Field) Logger
	// WithComponent is With(Component(name)).
	WithComponent(name string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter renders an entry.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output receives formatted entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures a BaseLogger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements Logger on top of a slog handler that feeds the
// formatter and outputs.
type BaseLogger struct {
	level     Level
	fields    Fields
	formatter Formatter
	outputs   []Output
	slog      *slog.Logger

	redactKeys       []string
	sampleInitial    int
	sampleThereafter int
	sampler          *sampler
}

// NewLogger builds a logger. Without options it logs JSON at info level to
// stdout.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		level:     InfoLevel,
		fields:    Fields{},
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(logger)
	}
	if len(logger.outputs) == 0 {
		logger.outputs = []Output{NewConsoleOutput()}
	}
	logger.slog = slog.New(logger.handler())
	return logger
}

// WithLevel sets the minimum level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

// WithFormatter sets the formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output. Every output receives every entry.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}

// WithRedactedKeys masks the values of the given field keys in every entry.
func WithRedactedKeys(keys ...string) LoggerOption {
	return func(l *BaseLogger) { l.redactKeys = append(l.redactKeys, keys...) }
}

// WithSampling keeps the first initial entries per level and message, then
// every thereafter-th entry.
func WithSampling(initial, thereafter int) LoggerOption {
	return func(l *BaseLogger) {
		l.sampleInitial = initial
		l.sampleThereafter = thereafter
	}
}

// Slog exposes the logger as a *slog.Logger for libraries that accept one.
func (l *BaseLogger) Slog() *slog.Logger { return l.slog }
