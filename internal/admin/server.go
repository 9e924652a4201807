// Package admin exposes the harness's own observability surface during a
// run: live per-phase probe counts and a Prometheus scrape endpoint. Useful
// when a soak scenario runs for hours and someone wants to watch it.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oakmere/pgharness/internal/loadgen"
	"github.com/oakmere/pgharness/internal/phase"
)

// StatsSource provides the live load snapshot, normally the generator.
type StatsSource interface {
	Snapshot() map[phase.Phase]loadgen.Snapshot
}

// Server serves /healthz, /status and /metrics.
type Server struct {
	stats    StatsSource
	registry *prometheus.Registry
	srv      *http.Server
	logger   *zap.Logger
}

// NewServer builds the admin server on the given port.
func NewServer(port int, stats StatsSource, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		stats:    stats,
		registry: registry,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. Errors other than a clean
// shutdown are logged, not returned; the admin surface must never take a
// scenario down with it.
func (s *Server) Start() {
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("admin server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type phaseStatus struct {
	Probes  uint64 `json:"probes"`
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	out := make(map[string]phaseStatus, len(snap))
	for p, st := range snap {
		out[p.String()] = phaseStatus{
			Probes:  st.Total(),
			Success: st.Success,
			Failure: st.Failure,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("status encode failed", zap.Error(err))
	}
}
