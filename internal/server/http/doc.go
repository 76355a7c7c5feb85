// Package httpserver serves the worker's operational endpoints: health and
// readiness probes, Prometheus metrics and read-only views of the heartbeat
// registry, recent stuck jobs and lifecycle state.
//
// Example:
//
//	s := httpserver.New(httpserver.Deps{Registry: reg, State: coord.State, Metrics: m.Handler()})
//	if err := s.Listen(":9090"); err != nil {
//		return err
//	}
//	go s.Serve()
//	defer s.Shutdown(context.Background())
package httpserver
