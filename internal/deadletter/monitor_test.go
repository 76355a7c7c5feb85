package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/analysis-worker/internal/metrics"
	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/internal/queue/queuetest"
	"github.com/rzbill/analysis-worker/pkg/log"
)

func TestFromMessagePrefersWorkerHeaders(t *testing.T) {
	r := FromMessage(queue.Message{
		Body: []byte(`{"jobId":"body-id","userId":"u"}`),
		Headers: queue.Headers{
			queue.HeaderJobID:         "hdr-id",
			queue.HeaderFailureReason: "stale_lease",
			queue.HeaderRetryCount:    int32(3),
			queue.HeaderDeath:         []interface{}{map[string]interface{}{"reason": "rejected", "count": int64(1)}},
		},
	})
	assert.Equal(t, "hdr-id", r.JobID)
	assert.Equal(t, "stale_lease", r.Reason)
	assert.Equal(t, 3, r.RetryCount)
	assert.JSONEq(t, `{"jobId":"body-id","userId":"u"}`, string(r.Payload))
}

func TestFromMessageFallsBackToDeath(t *testing.T) {
	r := FromMessage(queue.Message{
		Body:    []byte(`{"jobId":"j1"}`),
		Headers: queue.Headers{queue.HeaderDeath: []interface{}{map[string]interface{}{"reason": "rejected", "count": int64(2)}}},
	})
	assert.Equal(t, "j1", r.JobID)
	assert.Equal(t, "rejected", r.Reason)
	assert.Equal(t, 2, r.RetryCount)
}

func TestFromMessageNonJSONBody(t *testing.T) {
	r := FromMessage(queue.Message{Body: []byte("not json")})
	assert.Equal(t, "", r.JobID)
	assert.Equal(t, ReasonUnknown, r.Reason)

	var s string
	require.NoError(t, json.Unmarshal(r.Payload, &s))
	assert.Equal(t, "not json", s)
}

func newMonitor(t *testing.T, b *queuetest.Broker) (*Monitor, *metrics.Metrics, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.NewLogger(
		log.WithLevel(log.DebugLevel),
		log.WithFormatter(&log.JSONFormatter{DisableCaller: true}),
		log.WithOutput(log.NewWriterOutput(&buf)),
	)
	m := metrics.New()
	return NewMonitor(b, Options{Interval: time.Hour, Limit: 10}, m, logger), m, &buf
}

func levels(t *testing.T, buf *bytes.Buffer, msg string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		if m["msg"] == msg {
			out = append(out, m["level"].(string))
		}
	}
	return out
}

func TestPollReportsEachRecordWithoutConsuming(t *testing.T) {
	b := queuetest.New()
	ctx := context.Background()
	require.NoError(t, b.PublishDeadLetter(ctx, queue.Message{Body: []byte(`{"jobId":"a"}`)}))
	require.NoError(t, b.PublishDeadLetter(ctx, queue.Message{Body: []byte(`{"jobId":"b"}`)}))

	m, mets, buf := newMonitor(t, b)
	records, err := m.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].JobID)
	assert.Equal(t, 2.0, testutil.ToFloat64(mets.DeadLetterDepth))

	_, err = m.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, b.DeadLetters(), 2, "peek leaves messages in place")
	assert.Equal(t, []string{"WARN", "WARN", "DEBUG", "DEBUG"}, levels(t, buf, "dead-letter record"))
}

func TestPollRespectsLimit(t *testing.T) {
	b := queuetest.New()
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		require.NoError(t, b.PublishDeadLetter(ctx, queue.Message{Body: []byte(`{}`)}))
	}
	m, mets, _ := newMonitor(t, b)
	records, err := m.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 10)
	assert.Equal(t, 15.0, testutil.ToFloat64(mets.DeadLetterDepth))
}

func TestPollErrorIsReturned(t *testing.T) {
	b := queuetest.New()
	b.FailPeek(errors.New("unreachable"))
	m, _, _ := newMonitor(t, b)
	_, err := m.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")

	b.FailPeek(nil)
	_, err = m.Poll(context.Background())
	assert.NoError(t, err)
}

func TestMonitorLoopSurvivesErrors(t *testing.T) {
	b := queuetest.New()
	b.FailPeek(errors.New("unreachable"))
	require.NoError(t, b.PublishDeadLetter(context.Background(), queue.Message{Body: []byte(`{}`)}))

	mets := metrics.New()
	m := NewMonitor(b, Options{Interval: 5 * time.Millisecond}, mets, nil)
	m.Start()
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	b.FailPeek(nil)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mets.DeadLetterDepth) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
