package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/job"
)

// MockModel is the model name reported by the mock processor.
const MockModel = "mock"

// Mock returns a canned analysis after a fixed latency. It lets the worker
// run end to end without model credentials.
type Mock struct {
	Latency time.Duration
	now     func() time.Time
}

// NewMock returns a mock processor with the given latency.
func NewMock(latency time.Duration) *Mock {
	return &Mock{Latency: latency, now: time.Now}
}

type mockOutput struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	Summary    string    `json:"summary"`
	InputBytes int       `json:"inputBytes"`
	AnalyzedAt time.Time `json:"analyzedAt"`
}

func (m *Mock) Process(ctx context.Context, j job.Job) (Result, error) {
	start := m.now()
	heartbeat.ReportProgress(ctx)
	if m.Latency > 0 {
		t := time.NewTimer(m.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, Transient(ctx.Err())
		case <-t.C:
		}
	}
	heartbeat.ReportProgress(ctx)
	out, err := json.Marshal(mockOutput{
		JobID:      j.ID,
		UserID:     j.UserID,
		Summary:    fmt.Sprintf("mock analysis of %d bytes", len(j.Payload)),
		InputBytes: len(j.Payload),
		AnalyzedAt: m.now().UTC(),
	})
	if err != nil {
		return Result{}, Permanent(err)
	}
	return Result{Output: out, Model: MockModel, Duration: m.now().Sub(start)}, nil
}
