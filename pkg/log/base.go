package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

func (l *BaseLogger) handler() slog.Handler {
	if l.sampler == nil && l.sampleThereafter > 0 {
		l.sampler = newSampler(l.sampleInitial, l.sampleThereafter)
	}
	h := &bridgeHandler{logger: l, sampler: l.sampler}
	if len(l.redactKeys) > 0 {
		h.redact = make(map[string]struct{}, len(l.redactKeys))
		for _, k := range l.redactKeys {
			h.redact[k] = struct{}{}
		}
	}
	for k, v := range l.fields {
		h.attrs = append(h.attrs, slog.Any(k, v))
	}
	return h
}

// derive returns a child that shares formatter, outputs and sampling state.
func (l *BaseLogger) derive(extra []Field) *BaseLogger {
	fields := make(Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for _, f := range extra {
		fields[f.Key] = f.Value
	}
	child := *l
	child.fields = fields
	child.slog = slog.New(child.handler())
	return &child
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	var pcs [1]uintptr
	// runtime.Callers, log, and the exported method.
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), toSlogLevel(level), msg, pcs[0])
	for _, f := range fields {
		r.AddAttrs(slog.Any(f.Key, f.Value))
	}
	_ = l.slog.Handler().Handle(context.Background(), r)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return l.derive(fields)
}

func (l *BaseLogger) WithComponent(name string) Logger {
	return l.derive([]Field{Component(name)})
}

// SetLevel changes this logger's level. Children derived earlier keep theirs.
func (l *BaseLogger) SetLevel(level Level) { l.level = level }

func (l *BaseLogger) GetLevel() Level { return l.level }

// Close closes every output. Outputs are shared with children.
func (l *BaseLogger) Close() error {
	var first error
	for _, out := range l.outputs {
		if err := out.Close(); err != nil && first == nil {
			first = fmt.Errorf("close log output: %w", err)
		}
	}
	return first
}
