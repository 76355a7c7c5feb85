package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pebblestore "github.com/rzbill/analysis-worker/internal/storage/pebble"
)

var _ pebblestore.MetricsHook = StorageHook{}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.JobsDispatched.Inc()
	m.JobsCompleted.WithLabelValues("succeeded").Inc()
	m.StuckJobs.WithLabelValues("requeued").Add(2)
	active := 3
	m.RegisterActiveHeartbeats(func() int { return active })
	m.StorageHook().ObserveWrite(time.Millisecond, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsDispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StuckJobs.WithLabelValues("requeued")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	for _, want := range []string{
		"analysis_worker_jobs_dispatched_total 1",
		`analysis_worker_jobs_completed_total{outcome="succeeded"} 1`,
		"analysis_worker_active_heartbeats 3",
		`analysis_worker_storage_operation_seconds_count{op="write"} 1`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.JobsDispatched.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.JobsDispatched))
}
