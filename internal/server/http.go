// Package server exposes the read-only HTTP API: vault state, event
// history, and the operational probes. All writes go through NATS; this
// surface never touches the engine directly.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"VaultEngine/internal/observability"
	"VaultEngine/internal/persistence"
	"VaultEngine/internal/projection"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	view      *projection.StateView
	snapshots *persistence.SnapshotManager
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func New(
	view *projection.StateView,
	snapshots *persistence.SnapshotManager,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		view:      view,
		snapshots: snapshots,
		health:    health,
		metrics:   metrics,
		log:       log,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/events/recent", s.handleRecentEvents)
		r.Get("/events", s.handleEventLog)
		r.Get("/users/{userID}/last", s.handleUserLast)
	})
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.writeJSON(w, http.StatusOK, s.view.Summary())
	s.observe("state", http.StatusOK, start)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	limit := queryInt(r, "limit", 50)
	s.writeJSON(w, http.StatusOK, s.view.Recent(limit))
	s.observe("events_recent", http.StatusOK, start)
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.snapshots == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event log not available")
		s.observe("events", http.StatusServiceUnavailable, start)
		return
	}

	from := int64(queryInt(r, "from", 0))
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.snapshots.LoadEventsFrom(r.Context(), from, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("event log query failed")
		s.writeError(w, http.StatusInternalServerError, "event log query failed")
		s.observe("events", http.StatusInternalServerError, start)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
	s.observe("events", http.StatusOK, start)
}

func (s *Server) handleUserLast(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid user id")
		s.observe("user_last", http.StatusBadRequest, start)
		return
	}

	summary, ok := s.view.LastForUser(userID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no events for user")
		s.observe("user_last", http.StatusNotFound, start)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
	s.observe("user_last", http.StatusOK, start)
}

func (s *Server) observe(endpoint string, status int, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
