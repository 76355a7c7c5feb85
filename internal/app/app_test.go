package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/analysis-worker/internal/config"
	"github.com/rzbill/analysis-worker/internal/job"
	"github.com/rzbill/analysis-worker/internal/processor"
	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/internal/queue/queuetest"
	"github.com/rzbill/analysis-worker/internal/retry"
	"github.com/rzbill/analysis-worker/internal/shutdown"
)

func testConfig(drain time.Duration) config.Config {
	cfg := config.Default()
	maxRetries := 2
	mock := true
	cfg.Broker.URL = "amqp://unused"
	cfg.Broker.Queue = "analysis"
	cfg.Worker.ID = "test-worker"
	cfg.Worker.Concurrency = 3
	cfg.Worker.RenewInterval = 20 * time.Millisecond
	cfg.Worker.StalenessThreshold = 10 * time.Second
	cfg.Worker.DrainTimeout = drain
	cfg.Worker.DrainPollInterval = 5 * time.Millisecond
	cfg.Worker.MaxRetries = &maxRetries
	cfg.AI.UseMockModel = &mock
	cfg.Storage.RetryStore = config.RetryStoreMemory
	cfg.Telemetry.OpsAddr = "127.0.0.1:0"
	return cfg
}

type gate struct {
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) processor() processor.Processor {
	return processor.Func(func(_ context.Context, j job.Job) (processor.Result, error) {
		<-g.release
		return processor.Result{Output: []byte(`{}`), Model: "gate"}, nil
	})
}

func enqueueJobs(b *queuetest.Broker, n int) []*queuetest.Delivery {
	out := make([]*queuetest.Delivery, 0, n)
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"jobId":"job-%d","userId":"u","assessmentData":{"q":%d}}`, i, i)
		out = append(out, b.Enqueue([]byte(body), nil))
	}
	return out
}

type runResult struct {
	report shutdown.Report
	err    error
}

func start(t *testing.T, a *App) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		rep, err := a.Run(ctx)
		done <- runResult{rep, err}
	}()
	return cancel, done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return runResult{}
	}
}

func TestDrainCompletesInFlightJobs(t *testing.T) {
	b := queuetest.New()
	g := newGate()
	a := New(testConfig(5*time.Second), nil,
		WithBroker(b), WithProcessor(g.processor()), WithRetryStore(retry.NewMemoryStore()))
	deliveries := enqueueJobs(b, 3)

	cancel, done := start(t, a)
	require.Eventually(t, func() bool { return a.Registry().Count() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(30 * time.Millisecond)
	close(g.release)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.False(t, r.report.TimedOut)
	assert.Equal(t, 0, r.report.Abandoned)
	assert.Equal(t, shutdown.ReasonSignal, r.report.Reason)
	assert.Equal(t, 0, a.Registry().Count())
	for _, d := range deliveries {
		assert.Equal(t, queuetest.Acked, d.State())
	}
	assert.Equal(t, shutdown.Stopped, a.State())
}

func TestDrainTimeoutLeavesJobsUnacked(t *testing.T) {
	b := queuetest.New()
	g := newGate()
	t.Cleanup(func() { close(g.release) })
	a := New(testConfig(50*time.Millisecond), nil,
		WithBroker(b), WithProcessor(g.processor()), WithRetryStore(retry.NewMemoryStore()))
	deliveries := enqueueJobs(b, 3)

	cancel, done := start(t, a)
	require.Eventually(t, func() bool { return a.Registry().Count() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.report.TimedOut)
	assert.Equal(t, 3, r.report.Abandoned)
	assert.Greater(t, a.Registry().Count(), 0)
	for _, d := range deliveries {
		assert.Equal(t, queuetest.Unsettled, d.State())
	}
}

func TestFaultDrainsAndReports(t *testing.T) {
	b := queuetest.New()
	a := New(testConfig(time.Second), nil, WithBroker(b), WithRetryStore(retry.NewMemoryStore()),
		WithProcessor(processor.NewMock(0)))
	cancel, done := start(t, a)
	defer cancel()

	require.Eventually(t, func() bool { return a.State() == shutdown.Running }, time.Second, time.Millisecond)
	boom := errors.New("broker connection lost")
	a.Fault(boom)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, shutdown.ReasonFault, r.report.Reason)
	assert.ErrorIs(t, r.report.Fault, boom)
	assert.ErrorIs(t, b.Publish(context.Background(), queue.Message{}), queue.ErrClosed, "broker closed on drain")
}

func TestStartupFailureRollsBack(t *testing.T) {
	b := queuetest.New()
	cfg := testConfig(time.Second)
	cfg.Telemetry.OpsAddr = "256.0.0.1:bad"
	a := New(cfg, nil, WithBroker(b), WithRetryStore(retry.NewMemoryStore()), WithProcessor(processor.NewMock(0)))

	_, done := start(t, a)
	r := wait(t, done)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "ops-server")
	assert.ErrorIs(t, b.Publish(context.Background(), queue.Message{}), queue.ErrClosed)
}

func TestProcessesJobsEndToEnd(t *testing.T) {
	b := queuetest.New()
	a := New(testConfig(time.Second), nil, WithBroker(b), WithRetryStore(retry.NewMemoryStore()),
		WithProcessor(processor.NewMock(0)))
	deliveries := enqueueJobs(b, 5)
	b.Enqueue([]byte(`{"userId":"u"}`), nil)

	cancel, done := start(t, a)
	require.Eventually(t, func() bool {
		for _, d := range deliveries {
			if d.State() != queuetest.Acked {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	r := wait(t, done)
	require.NoError(t, r.err)
	assert.False(t, r.report.TimedOut)
}

func TestOwnerIDDefaultsToUUID(t *testing.T) {
	cfg := testConfig(time.Second)
	cfg.Worker.ID = ""
	a := New(cfg, nil, WithBroker(queuetest.New()))
	assert.Len(t, a.OwnerID(), 36)
}
