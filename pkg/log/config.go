package log

import (
	"fmt"
	"strings"
)

// Config describes a logger declaratively.
type Config struct {
	// Level is one of debug, info, warn, error (case-insensitive).
	Level string
	// Format is "json" or "text".
	Format string
	// Output is "stdout", "stderr", "null" or "file".
	Output string
	// FilePath is used when Output is "file".
	FilePath string
	// RedactKeys lists field keys whose values are masked.
	RedactKeys []string
	// SampleInitial and SampleThereafter enable sampling when SampleThereafter > 0.
	SampleInitial    int
	SampleThereafter int
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		formatter = &JSONFormatter{}
	case "text":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var output Output
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = NewConsoleOutput()
	case "stderr":
		output = &ConsoleOutput{UseStderr: true}
	case "null":
		output = NullOutput{}
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output file requires a path")
		}
		fo, err := NewFileOutput(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		output = fo
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	opts := []LoggerOption{WithLevel(level), WithFormatter(formatter), WithOutput(output)}
	if len(cfg.RedactKeys) > 0 {
		opts = append(opts, WithRedactedKeys(cfg.RedactKeys...))
	}
	if cfg.SampleThereafter > 0 {
		opts = append(opts, WithSampling(cfg.SampleInitial, cfg.SampleThereafter))
	}
	return NewLogger(opts...), nil
}
