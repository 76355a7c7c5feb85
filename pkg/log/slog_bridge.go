package log

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
)

// bridgeHandler is the slog.Handler behind BaseLogger. It flattens attrs into
// Fields, applies redaction and sampling, and hands the entry to the
// logger's formatter and outputs.
type bridgeHandler struct {
	logger  *BaseLogger
	attrs   []slog.Attr
	prefix  string
	redact  map[string]struct{}
	sampler *sampler
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.logger.level
}

func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	if h.sampler != nil && !h.sampler.allow(r.Level, r.Message) {
		return nil
	}
	fields := make(Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.put(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, h.prefix, a)
		return true
	})

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	if msg, ok := fields[ErrorKey].(string); ok && msg != "" {
		entry.Error = errorString(msg)
	}
	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// put stores a under prefix+key, flattening groups as dotted keys.
func (h *bridgeHandler) put(fields Fields, prefix string, a slog.Attr) {
	key := prefix + a.Key
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.put(fields, key+".", ga)
		}
		return
	}
	if _, ok := h.redact[a.Key]; ok {
		fields[key] = "[REDACTED]"
		return
	}
	fields[key] = a.Value.Resolve().Any()
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func callerOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	file, line := fn.FileLine(pc)
	return file + ":" + strconv.Itoa(line)
}

type sampleKey struct {
	level slog.Level
	msg   string
}

// sampler passes the first `first` entries for each level and message, then
// one in every `every`. Children of one logger share a sampler.
type sampler struct {
	first, every int
	mu           sync.Mutex
	seen         map[sampleKey]int
}

func newSampler(first, every int) *sampler {
	return &sampler{first: max(first, 0), every: max(every, 1), seen: map[sampleKey]int{}}
}

func (s *sampler) allow(level slog.Level, msg string) bool {
	k := sampleKey{level, msg}
	s.mu.Lock()
	n := s.seen[k]
	s.seen[k]++
	s.mu.Unlock()
	return n < s.first || (n-s.first)%s.every == 0
}

var slogLevels = [...]slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

func toSlogLevel(level Level) slog.Level {
	if level < DebugLevel || level > ErrorLevel {
		return slog.LevelInfo
	}
	return slogLevels[level]
}

// fromSlogLevel rounds custom slog levels down to the nearest Level.
func fromSlogLevel(level slog.Level) Level {
	for l := ErrorLevel; l > DebugLevel; l-- {
		if level >= slogLevels[l] {
			return l
		}
	}
	return DebugLevel
}

type errorString string

func (e errorString) Error() string { return string(e) }
