// Package health implements the liveness/readiness probe endpoints (§6):
// liveness never checks dependencies, readiness checks the Room Store.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voidrelay/relay/internal/logging"
)

// KVPinger checks Room Store connectivity. Satisfied by *roomstore.Store;
// an interface here keeps this package free of a roomstore import cycle and
// lets tests substitute a fake.
type KVPinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	store KVPinger
}

// NewHandler creates a health check handler bound to store. store may be nil
// in single-process test configurations, in which case readiness always
// reports the KV dependency healthy.
func NewHandler(store KVPinger) *Handler {
	return &Handler{store: store}
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

// Liveness handles GET /live: 200 iff the process is alive, with no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health and GET /ready: 200 only if the Room Store answers a
// PING within the probe timeout, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"kv": h.checkKV(ctx)}

	status := "ready"
	statusCode := http.StatusOK
	if checks["kv"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkKV(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "kv health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
