package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// StatusSource reports whether the engine currently holds a connected
// session and an active subscription. Implemented by *engine.Engine.
type StatusSource interface {
	Connected() bool
	PollingActive() bool
}

// Checker serves the worker's health/liveness/readiness HTTP endpoints
// alongside the Prometheus /metrics handler.
type Checker struct {
	status StatusSource
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(status StatusSource, logger zerolog.Logger) *Checker {
	return &Checker{
		status: status,
		logger: logger.With().Str("component", "health-checker").Logger(),
	}
}

// HealthResponse is the overall health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// HealthHandler returns the overall health status.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	connStatus := "healthy"
	if !c.status.Connected() {
		connStatus = "disconnected"
	}

	overallStatus := "healthy"
	if connStatus != "healthy" {
		overallStatus = "degraded"
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"cip_connection": connStatus,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// LiveHandler returns 200 if the process is running. The worker never
// exits on a disconnected PLC, so liveness never depends on connection
// state.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 if a connection is established. Polling need not
// be active for the worker to be ready for synchronous RPCs.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready := c.status.Connected()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "not_ready",
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
			"cip_connection": false,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ready",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"cip_connection": true,
		"polling_active": c.status.PollingActive(),
	})
}
