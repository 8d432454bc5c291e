package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/gkeferstein/messaging-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time
// transport.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /api/v1/gateway. Authentication happens inside the
// socket via the auth frame, so the route itself is open.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
