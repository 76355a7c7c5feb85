package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// JSONFormatter renders one JSON object per entry.
type JSONFormatter struct {
	// DisableCaller omits the caller field.
	DisableCaller bool
}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		m[k] = jsonSafe(v)
	}
	m["time"] = entry.Timestamp.Format(timestampLayout)
	m["level"] = entry.Level.String()
	m["msg"] = entry.Message
	if !f.DisableCaller && entry.Caller != "" {
		m["caller"] = entry.Caller
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal log entry: %w", err)
	}
	return append(b, '\n'), nil
}

// jsonSafe turns values that encoding/json cannot render into strings.
func jsonSafe(v interface{}) interface{} {
	switch t := v.(type) {
	case error:
		return t.Error()
	case time.Duration:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}

// TextFormatter renders "time LEVEL msg key=value ..." lines with keys sorted.
type TextFormatter struct {
	DisableTimestamp bool
	DisableCaller    bool
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.Format(timestampLayout))
		buf.WriteByte(' ')
	}
	fmt.Fprintf(&buf, "%-5s %s", entry.Level.String(), entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%s", k, textValue(entry.Fields[k]))
	}
	if !f.DisableCaller && entry.Caller != "" {
		fmt.Fprintf(&buf, " caller=%s", entry.Caller)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func textValue(v interface{}) string {
	s := fmt.Sprint(jsonSafe(v))
	if s == "" || bytes.ContainsAny([]byte(s), " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
