// Package api provides the read-only HTTP status server for gridshare.
// It exposes the controller status, current weights and queue occupancy,
// worker health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridshare/gridshare/internal/app/controller"
	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/health"
)

// requestTimeout bounds every handler, including the store and dispatcher
// calls behind /api/weights.
const requestTimeout = 30 * time.Second

// StatusSource is implemented by controller.Driver.
type StatusSource interface {
	Status() controller.Status
}

// FeederWeightSource reports the weights the dispatcher has loaded.
type FeederWeightSource interface {
	FeederWeights(ctx context.Context) (domain.WeightSet, error)
}

// WorkerHealth is implemented by health.Checker.
type WorkerHealth interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// Server is the gridshare status API server.
type Server struct {
	status         StatusSource
	store          domain.WeightStore
	occupancy      domain.QueueOccupancySource
	feeder         FeederWeightSource
	workers        WorkerHealth
	metricsEnabled bool
}

// NewServer creates a new API server. Either argument may be nil; the
// matching endpoints then answer 503.
func NewServer(status StatusSource, store domain.WeightStore) *Server {
	return &Server{status: status, store: store}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetDispatcher sets the queue occupancy and loaded-weight sources.
func (s *Server) SetDispatcher(occ domain.QueueOccupancySource, feeder FeederWeightSource) {
	s.occupancy = occ
	s.feeder = feeder
}

// SetWorkers sets the worker health source.
func (s *Server) SetWorkers(w WorkerHealth) { s.workers = w }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/weights", s.handleWeights)
		r.Get("/workers", s.handleWorkers)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.status != nil {
		resp["state"] = s.status.Status().State
	}
	if s.workers != nil {
		resp["workers_healthy"] = s.workers.IsHealthy()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "controller is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

// weightsResponse puts the stored weights next to what the dispatcher has
// loaded and how its queue is filled.
type weightsResponse struct {
	Store     domain.WeightSet  `json:"store"`
	Feeder    domain.WeightSet  `json:"feeder,omitempty"`
	Occupancy *domain.Occupancy `json:"occupancy,omitempty"`
	Errors    []string          `json:"errors,omitempty"`
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "weight store is not configured")
		return
	}
	ctx := r.Context()

	stored, err := s.store.CurrentWeights(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := weightsResponse{Store: stored}

	// Dispatcher errors degrade the response instead of failing it.
	if s.feeder != nil {
		if fw, err := s.feeder.FeederWeights(ctx); err != nil {
			resp.Errors = append(resp.Errors, "feeder weights: "+err.Error())
		} else {
			resp.Feeder = fw
		}
	}
	if s.occupancy != nil {
		if occ, err := s.occupancy.QueueOccupancy(ctx); err != nil {
			resp.Errors = append(resp.Errors, "queue occupancy: "+err.Error())
		} else {
			resp.Occupancy = &occ
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.workers == nil {
		writeError(w, http.StatusServiceUnavailable, "worker checks are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": s.workers.IsHealthy(),
		"workers": s.workers.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
