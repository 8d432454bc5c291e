// Package api holds the HTTP request surface. Handlers validate payloads,
// delegate to the chat service and permission resolver, and translate errors
// into the wire envelope; no business logic lives here.
package api

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/httputil"
	"github.com/gkeferstein/messaging-server/internal/identity"
)

const identityLocal = "identity"

// RequireAuth returns middleware that verifies the bearer token and stores
// the caller identity in Locals. An X-Tenant-ID header overrides the token's
// tenant for the call.
func RequireAuth(verifier *identity.Verifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Invalid authorization format")
		}

		id, err := verifier.Verify(header[len(prefix):])
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Invalid token")
		}

		if override := c.Get("X-Tenant-ID"); override != "" {
			id.TenantID = &override
		}

		c.Locals(identityLocal, id)
		return c.Next()
	}
}

// caller returns the identity stored by RequireAuth.
func caller(c fiber.Ctx) (identity.Identity, bool) {
	id, ok := c.Locals(identityLocal).(identity.Identity)
	return id, ok
}
