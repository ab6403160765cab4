package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a new health handler. db may be nil when no
// database readiness check applies (tests).
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func writeHealth(w http.ResponseWriter, status int, state string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:    state,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Health returns the health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, "ok")
}

// Ready returns the readiness status (for Kubernetes)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeHealth(w, http.StatusOK, "ready")
}

// Live returns the liveness status (for Kubernetes)
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, "alive")
}
