// Package health provides health, readiness, and liveness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceStatus represents the status of a single dependency
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Handler handles health check requests
type Handler struct {
	dbPool  *pgxpool.Pool
	version string
	timeout time.Duration
	ready   bool
	mu      sync.RWMutex
}

// Config holds health handler configuration
type Config struct {
	DBPool  *pgxpool.Pool
	Version string
	Timeout time.Duration
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Handler{
		dbPool:  cfg.DBPool,
		version: cfg.Version,
		timeout: timeout,
		ready:   true,
	}
}

// SetReady flips the readiness state, used during graceful shutdown so
// the load balancer drains this instance before connections close.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Health handles GET /health with a per-dependency status report.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := map[string]ServiceStatus{
		"database": h.checkDatabase(ctx),
	}

	overall := "healthy"
	statusCode := http.StatusOK
	for _, s := range services {
		if s.Status != "healthy" {
			overall = "unhealthy"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, statusCode, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	})
}

// Ready handles GET /health/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Live handles GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkDatabase(ctx context.Context) ServiceStatus {
	if h.dbPool == nil {
		return ServiceStatus{Status: "unhealthy", Error: "no database pool configured"}
	}

	start := time.Now()
	if err := h.dbPool.Ping(ctx); err != nil {
		return ServiceStatus{
			Status:  "unhealthy",
			Latency: time.Since(start).String(),
			Error:   err.Error(),
		}
	}

	return ServiceStatus{
		Status:  "healthy",
		Latency: time.Since(start).String(),
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}
