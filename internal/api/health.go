package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/gkeferstein/messaging-server/internal/httputil"
)

// probeTimeout bounds each dependency check on the detailed endpoint.
const probeTimeout = 3 * time.Second

// Pinger is anything that can answer a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health and readiness endpoints.
type HealthHandler struct {
	store Pinger
	bus   Pinger
}

// NewHealthHandler creates a health handler. bus may be nil in single-node
// degraded mode.
func NewHealthHandler(store, bus Pinger) *HealthHandler {
	return &HealthHandler{store: store, bus: bus}
}

// Health handles GET /api/v1/health with a bare status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// Detailed handles GET /api/v1/health/detailed, probing each dependency.
func (h *HealthHandler) Detailed(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, probeTimeout)
	defer cancel()

	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		storeStatus = "unavailable"
	}

	busStatus := "degraded"
	if h.bus != nil {
		busStatus = "ok"
		if err := h.bus.Ping(ctx); err != nil {
			busStatus = "unavailable"
		}
	}

	overall := "ok"
	status := fiber.StatusOK
	if storeStatus != "ok" || busStatus == "unavailable" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status": overall,
		"store":  storeStatus,
		"bus":    busStatus,
	})
}

// Ready handles GET /api/v1/ready: the service is ready once the store
// answers.
func (h *HealthHandler) Ready(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, probeTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return httputil.SuccessStatus(c, fiber.StatusServiceUnavailable, fiber.Map{"ready": false})
	}
	return httputil.Success(c, fiber.Map{"ready": true})
}

// Live handles GET /api/v1/live: always succeeds while the process runs.
func (h *HealthHandler) Live(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{"live": true})
}
