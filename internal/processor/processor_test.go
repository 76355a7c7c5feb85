package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/job"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	assert.Equal(t, job.KindPermanent, Classify(Permanent(base)))
	assert.Equal(t, job.KindPermanent, Classify(fmt.Errorf("wrapped: %w", Permanent(base))))
	assert.Equal(t, job.KindTransient, Classify(Transient(base)))
	assert.Equal(t, job.KindTransient, Classify(base), "untyped errors are transient")
	assert.Equal(t, job.KindTransient, Classify(&PanicError{Value: "x"}))
	assert.Equal(t, job.KindPermanent, Classify(fmt.Errorf("%w: bad", job.ErrMalformedMessage)))
	assert.Nil(t, Transient(nil))
	assert.True(t, errors.Is(Permanent(base), base))
}

func TestClassifyStatus(t *testing.T) {
	err := errors.New("api")
	for code, want := range map[int]job.ErrorKind{
		429: job.KindTransient,
		408: job.KindTransient,
		500: job.KindTransient,
		503: job.KindTransient,
		400: job.KindPermanent,
		403: job.KindPermanent,
		404: job.KindPermanent,
	} {
		assert.Equal(t, want, Classify(classifyStatus(code, err)), "status %d", code)
	}
	assert.Equal(t, job.KindTransient, Classify(classifyAPIError(errors.New("dial tcp: refused"))))
}

func TestMock(t *testing.T) {
	m := NewMock(time.Millisecond)
	res, err := m.Process(context.Background(), job.Job{ID: "j1", UserID: "u1", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, MockModel, res.Model)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "j1", out["jobId"])
	assert.Equal(t, 7.0, out["inputBytes"])
}

func TestMockReportsProgress(t *testing.T) {
	var beats int
	ctx := heartbeat.WithProgress(context.Background(), func() { beats++ })
	_, err := NewMock(time.Millisecond).Process(ctx, job.Job{ID: "j1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, beats, "once on entry and once after the latency")
}

func TestMockHonorsContext(t *testing.T) {
	m := NewMock(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Process(ctx, job.Job{ID: "j1"})
	require.Error(t, err)
	assert.Equal(t, job.KindTransient, Classify(err))
}

func TestNewGeminiRequiresCredentials(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiOptions{Model: "gemini-2.0-flash"})
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	called := false
	p := Func(func(context.Context, job.Job) (Result, error) {
		called = true
		return Result{Model: "f"}, nil
	})
	res, err := p.Process(context.Background(), job.Job{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "f", res.Model)
}
