// Package api exposes the session store's observability surface over
// HTTP: tier health, readiness, storage distribution and Prometheus
// metrics. Session reads and writes stay on the Go API; the auth layer in
// front of this subsystem owns the user-facing endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/sessiontier/internal/config"
	"github.com/FairForge/sessiontier/internal/metrics"
	"github.com/FairForge/sessiontier/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	store      *store.Store
	startTime  time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, st *store.Store) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		router:    mux.NewRouter(),
		store:     st,
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", metrics.New().Handler()).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/stats", s.handleStats).Methods("GET")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status  string          `json:"status"`
	Tiers   map[string]bool `json:"tiers"`
	Overall bool            `json:"overall"`
	Uptime  string          `json:"uptime"`
}

// handleHealth probes every tier and reports the per-tier booleans. The
// subsystem is "degraded" rather than down as long as any tier answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.HealthCheck(r.Context())

	status := "healthy"
	code := http.StatusOK
	for _, alive := range snap.Tiers {
		if !alive {
			status = "degraded"
		}
	}
	if !snap.Overall {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, healthResponse{
		Status:  status,
		Tiers:   snap.Tiers,
		Overall: snap.Overall,
		Uptime:  time.Since(s.startTime).String(),
	})
}

// handleReady answers 200 once at least one tier can hold sessions.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.store.HealthCheck(r.Context())
	if !snap.Overall {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.StorageStats(r.Context())
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}
