package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/metrics"
	"github.com/rzbill/analysis-worker/internal/shutdown"
	"github.com/rzbill/analysis-worker/internal/stuck"
)

type recentFunc func() []stuck.Record

func (f recentFunc) Recent() []stuck.Record { return f() }

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := New(Deps{Registry: heartbeat.NewRegistry()})
	if w := do(t, s, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestReadyzFollowsState(t *testing.T) {
	state := shutdown.Running
	var depErr error
	s := New(Deps{
		Registry: heartbeat.NewRegistry(),
		State:    func() shutdown.State { return state },
		Ready:    func(context.Context) error { return depErr },
	})
	if w := do(t, s, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("running: %d", w.Code)
	}
	depErr = errors.New("broker connection closed")
	if w := do(t, s, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("dependency down: %d", w.Code)
	}
	depErr = nil
	state = shutdown.Draining
	w := do(t, s, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "draining") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestHeartbeatsSnapshot(t *testing.T) {
	reg := heartbeat.NewRegistry()
	if _, err := reg.Register("job-1", "w1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	s := New(Deps{Registry: reg})

	w := do(t, s, "/v1/heartbeats")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var resp heartbeatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Entries[0].JobID != "job-1" || resp.Entries[0].OwnerID != "w1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if w := do(t, s, "/v1/heartbeats/job-1"); w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if w := do(t, s, "/v1/heartbeats/missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", w.Code)
	}
}

func TestEmptyHeartbeatsIsArray(t *testing.T) {
	s := New(Deps{Registry: heartbeat.NewRegistry()})
	w := do(t, s, "/v1/heartbeats")
	if !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestStateAndStuck(t *testing.T) {
	reg := heartbeat.NewRegistry()
	s := New(Deps{
		OwnerID:  "w1",
		Registry: reg,
		State:    func() shutdown.State { return shutdown.Draining },
		Stuck: recentFunc(func() []stuck.Record {
			return []stuck.Record{{JobID: "j", Action: stuck.ActionRequeued, Elapsed: time.Minute}}
		}),
	})
	var st stateResponse
	if err := json.Unmarshal(do(t, s, "/v1/state").Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "draining" || st.OwnerID != "w1" {
		t.Fatalf("state: %+v", st)
	}
	body := do(t, s, "/v1/stuck").Body.String()
	if !strings.Contains(body, `"action":"requeued"`) {
		t.Fatalf("stuck body: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.JobsDispatched.Inc()
	s := New(Deps{Registry: heartbeat.NewRegistry(), Metrics: m.Handler()})
	w := do(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "jobs_dispatched_total") {
		t.Fatalf("metrics body missing counter")
	}
}

func TestListenServeShutdown(t *testing.T) {
	s := New(Deps{Registry: heartbeat.NewRegistry()})
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
