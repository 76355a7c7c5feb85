package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/shutdown"
	"github.com/rzbill/analysis-worker/internal/stuck"
	"github.com/rzbill/analysis-worker/pkg/log"
)

// StuckSource returns recently detected stuck jobs.
type StuckSource interface {
	Recent() []stuck.Record
}

// Deps are the read-only views the server exposes. Only Registry and State
// are required.
type Deps struct {
	OwnerID  string
	Registry *heartbeat.Registry
	Stuck    StuckSource
	State    func() shutdown.State
	Metrics  http.Handler
	// Ready reports dependency health for /readyz; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger log.Logger
}

// Server is the ops HTTP server.
type Server struct {
	deps    Deps
	logger  log.Logger
	started time.Time
	srv     *http.Server
	lis     net.Listener
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger.WithComponent("ops-http"),
		started: time.Now(),
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/heartbeats", s.handleHeartbeats)
		r.Get("/heartbeats/{jobID}", s.handleHeartbeat)
		r.Get("/stuck", s.handleStuck)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Listen binds addr. It is separate from Serve so a bad address fails
// startup instead of surfacing later.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("ops server listening", log.Str("addr", l.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Serve blocks serving requests until Shutdown.
func (s *Server) Serve() error {
	if s.lis == nil {
		return errors.New("httpserver: Serve called before Listen")
	}
	if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			log.Str("method", r.Method),
			log.Str("path", r.URL.Path),
			log.Int("status", ww.Status()),
			log.Dur("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.state()
	if state != shutdown.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "state": state.String()})
		return
	}
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type stateResponse struct {
	OwnerID          string `json:"ownerId"`
	State            string `json:"state"`
	ActiveHeartbeats int    `json:"activeHeartbeats"`
	Uptime           string `json:"uptime"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		OwnerID:          s.deps.OwnerID,
		State:            s.state().String(),
		ActiveHeartbeats: s.deps.Registry.Count(),
		Uptime:           time.Since(s.started).Round(time.Second).String(),
	})
}

type heartbeatsResponse struct {
	Count   int               `json:"count"`
	Entries []heartbeat.Entry `json:"entries"`
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Registry.Snapshot()
	if entries == nil {
		entries = []heartbeat.Entry{}
	}
	writeJSON(w, http.StatusOK, heartbeatsResponse{Count: len(entries), Entries: entries})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	e, ok := s.deps.Registry.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "no active heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStuck(w http.ResponseWriter, _ *http.Request) {
	records := []stuck.Record{}
	if s.deps.Stuck != nil {
		records = append(records, s.deps.Stuck.Recent()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) state() shutdown.State {
	if s.deps.State == nil {
		return shutdown.Running
	}
	return s.deps.State()
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
