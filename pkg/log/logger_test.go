package log

import (
	"bytes"
	"encoding/json"
	"errors"
	stdlog "log"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, opts ...LoggerOption) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	base := []LoggerOption{WithLevel(DebugLevel), WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf))}
	return NewLogger(append(base, opts...)...), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerFieldsAndLevels(t *testing.T) {
	l, buf := newBufferLogger(t)
	l = l.WithComponent("consumer")
	l.Info("job dispatched", JobID("j1"), Int("retry_count", 2))
	l.SetLevel(WarnLevel)
	l.Info("dropped")
	l.Warn("kept", Err(errors.New("boom")))

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	first := lines[0]
	if first["msg"] != "job dispatched" || first["level"] != "INFO" {
		t.Fatalf("unexpected first entry: %v", first)
	}
	if first[ComponentKey] != "consumer" || first[JobIDKey] != "j1" {
		t.Fatalf("missing fields: %v", first)
	}
	if first["retry_count"].(float64) != 2 {
		t.Fatalf("retry_count: %v", first["retry_count"])
	}
	if lines[1]["error"] != "boom" {
		t.Fatalf("error field: %v", lines[1])
	}
	if _, ok := first["caller"]; !ok {
		t.Fatalf("expected caller")
	}
}

func TestChildDoesNotLeakFields(t *testing.T) {
	l, buf := newBufferLogger(t)
	_ = l.With(Str("child", "yes"))
	l.Info("parent")
	lines := decodeLines(t, buf)
	if _, ok := lines[0]["child"]; ok {
		t.Fatalf("parent picked up child field: %v", lines[0])
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, WithRedactedKeys("api_key"))
	l.With(Str("api_key", "secret")).Info("configured", Str("api_key", "secret2"))
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestSamplingSharedAcrossChildren(t *testing.T) {
	l, buf := newBufferLogger(t, WithSampling(1, 3))
	c := l.WithComponent("a")
	for i := 0; i < 4; i++ {
		l.Info("tick")
		c.Info("tick")
	}
	// 8 calls share one counter: n=0 passes the initial budget, then n=1,4,7.
	if got := len(decodeLines(t, buf)); got != 4 {
		t.Fatalf("expected 4 sampled lines, got %d", got)
	}
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{DisableTimestamp: true, DisableCaller: true}), WithOutput(NewWriterOutput(&buf)))
	l.Info("worker heartbeat", Int("active", 3), Str("owner", "w 1"))
	got := strings.TrimSpace(buf.String())
	want := `INFO  worker heartbeat active=3 owner="w 1"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyConfig(t *testing.T) {
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
	if _, err := ApplyConfig(&Config{Output: "file"}); err == nil {
		t.Fatalf("expected missing path error")
	}
	l, err := ApplyConfig(&Config{Level: "warn", Format: "text", Output: "null"})
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if l.GetLevel() != WarnLevel {
		t.Fatalf("level = %v", l.GetLevel())
	}
}

func TestToStdLogger(t *testing.T) {
	l, buf := newBufferLogger(t)
	std := ToStdLogger(l, WarnLevel)
	std.Print("from std")
	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["msg"] != "from std" || lines[0]["level"] != "WARN" {
		t.Fatalf("unexpected: %v", lines)
	}
	var _ *stdlog.Logger = std
}
