package queue

import "strconv"

// Headers carries AMQP-style message headers. Values follow the AMQP table
// encoding: integers may arrive as any width, nested tables as
// map[string]interface{} and arrays as []interface{}.
type Headers map[string]interface{}

// Int returns the integer stored under key.
func (h Headers) Int(key string) (int, bool) {
	return toInt(h[key])
}

// String returns the string stored under key, or "".
func (h Headers) String(key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Clone returns a shallow copy that is safe to modify.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Death returns the first x-death entry, the most recent dead-lettering event.
func (h Headers) Death() (Headers, bool) {
	list, ok := h[HeaderDeath].([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	switch m := list[0].(type) {
	case map[string]interface{}:
		return Headers(m), true
	case Headers:
		return m, true
	default:
		return nil, false
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
