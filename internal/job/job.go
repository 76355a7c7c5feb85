// Package job models one unit of analysis work and the retry policy applied
// when it fails.
package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/analysis-worker/internal/queue"
)

// ErrMalformedMessage marks a delivery whose body cannot become a Job.
var ErrMalformedMessage = errors.New("malformed message")

// ErrAlreadySettled is returned when a delivery was acknowledged or rejected
// before the caller got to it.
var ErrAlreadySettled = errors.New("job already settled")

// Job is a parsed assessment request plus the handle needed to settle it.
type Job struct {
	ID         string
	UserID     string
	UserEmail  string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	// RetryCount is the count carried on the message, if any. The shared retry
	// store is authoritative; this only seeds it for messages re-published by
	// another worker.
	RetryCount int
	Delivery   queue.Delivery
}

type message struct {
	JobID          string          `json:"jobId"`
	UserID         string          `json:"userId"`
	UserEmail      string          `json:"userEmail,omitempty"`
	AssessmentData json.RawMessage `json:"assessmentData"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	EnqueuedAt     json.RawMessage `json:"enqueuedAt,omitempty"`
	RetryCount     *int            `json:"retryCount,omitempty"`
}

// Parse decodes a delivery into a Job. Any error wraps ErrMalformedMessage.
func Parse(d queue.Delivery) (Job, error) {
	j, err := Decode(d.Body())
	if err != nil {
		return Job{}, err
	}
	if n, ok := d.Headers().Int(queue.HeaderRetryCount); ok && n > j.RetryCount {
		j.RetryCount = n
	}
	j.Delivery = d
	return j, nil
}

// Decode parses a raw message body.
func Decode(body []byte) (Job, error) {
	var m message
	if err := json.Unmarshal(body, &m); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var missing []string
	if m.JobID == "" {
		missing = append(missing, "jobId")
	}
	if m.UserID == "" {
		missing = append(missing, "userId")
	}
	if isEmptyJSON(m.AssessmentData) {
		missing = append(missing, "assessmentData")
	}
	if len(missing) > 0 {
		return Job{}, fmt.Errorf("%w: missing %v", ErrMalformedMessage, missing)
	}

	j := Job{
		ID:        m.JobID,
		UserID:    m.UserID,
		UserEmail: m.UserEmail,
		Payload:   m.AssessmentData,
	}
	if t, ok := parseTime(m.EnqueuedAt); ok {
		j.EnqueuedAt = t
	} else if t, ok := parseTime(m.Timestamp); ok {
		j.EnqueuedAt = t
	}
	if m.RetryCount != nil && *m.RetryCount > 0 {
		j.RetryCount = *m.RetryCount
	}
	return j, nil
}

// parseTime accepts an RFC 3339 string or a number of epoch milliseconds.
// Anything else is ignored; the enqueue time is informational only.
func parseTime(raw json.RawMessage) (time.Time, bool) {
	if isEmptyJSON(raw) {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, err == nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
