// Package health exposes liveness/readiness probes for the relay process.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// WorkerChecker reports whether the media worker collaborator is currently
// reachable. Implemented by internal/worker.BreakerWorker so readiness
// reflects the circuit breaker's live state rather than a fresh probe.
type WorkerChecker interface {
	Healthy() bool
}

// Handler manages health check endpoints.
type Handler struct {
	worker WorkerChecker
}

// NewHandler creates a health check handler. worker may be nil, in which
// case the worker dependency is considered out of scope for readiness.
func NewHandler(worker WorkerChecker) *Handler {
	return &Handler{worker: worker}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 as long as the process is alive, no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only if the media worker
// dependency is reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	_, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.worker != nil {
		status := "healthy"
		if !h.worker.Healthy() {
			status = "unhealthy"
			allHealthy = false
		}
		checks["media_worker"] = status
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct{ *Alias }{Alias: (*Alias)(&r)})
}
