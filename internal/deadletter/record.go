// Package deadletter reports on messages parked in the dead-letter queue.
// It never consumes or retries them.
package deadletter

import (
	"encoding/json"
	"strconv"

	"github.com/rzbill/analysis-worker/internal/queue"
)

// ReasonUnknown is used when a message carries no failure reason.
const ReasonUnknown = "unknown"

// Record is a read-only view of one dead-lettered message.
type Record struct {
	JobID      string          `json:"jobId"`
	Reason     string          `json:"reason"`
	RetryCount int             `json:"retryCount"`
	Payload    json.RawMessage `json:"payload"`
}

// FromMessage derives a record from a peeked message. Worker-set headers win
// over the broker's x-death entry; the job ID falls back to the body.
func FromMessage(msg queue.Message) Record {
	r := Record{
		JobID:  msg.Headers.String(queue.HeaderJobID),
		Reason: msg.Headers.String(queue.HeaderFailureReason),
	}
	death, hasDeath := msg.Headers.Death()
	if r.Reason == "" && hasDeath {
		r.Reason = death.String("reason")
	}
	if r.Reason == "" {
		r.Reason = ReasonUnknown
	}
	if n, ok := msg.Headers.Int(queue.HeaderRetryCount); ok {
		r.RetryCount = n
	} else if hasDeath {
		r.RetryCount, _ = death.Int("count")
	}

	var body struct {
		JobID string `json:"jobId"`
	}
	if json.Valid(msg.Body) {
		r.Payload = json.RawMessage(msg.Body)
		if r.JobID == "" && json.Unmarshal(msg.Body, &body) == nil {
			r.JobID = body.JobID
		}
	} else {
		r.Payload = json.RawMessage(strconv.Quote(string(msg.Body)))
	}
	return r
}

// key identifies a record across polls. Peeks are non-destructive, so the
// same message shows up on every tick until someone drains the queue.
func (r Record) key() string {
	return r.JobID + "\x00" + r.Reason + "\x00" + strconv.Itoa(r.RetryCount)
}
