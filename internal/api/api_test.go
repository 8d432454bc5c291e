package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

func bearerToken(t *testing.T, id identity.Identity) string {
	t.Helper()
	token, err := identity.SignForTest(id, testSecret, "", time.Minute)
	if err != nil {
		t.Fatalf("SignForTest() error = %v", err)
	}
	return "Bearer " + token
}

func decodeError(t *testing.T, resp *http.Response) apperrors.Kind {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Code apperrors.Kind `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope error = %v (body %s)", err, body)
	}
	if envelope.Success {
		t.Fatalf("expected error envelope, got success (body %s)", body)
	}
	return envelope.Error.Code
}

func authedApp(t *testing.T, register func(app *fiber.App)) *fiber.App {
	t.Helper()
	verifier, err := identity.NewVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	app := fiber.New()
	app.Use(RequireAuth(verifier))
	register(app)
	return app
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	app := authedApp(t, func(app *fiber.App) {
		app.Get("/whoami", func(c fiber.Ctx) error {
			id, _ := caller(c)
			tenant := ""
			if id.TenantID != nil {
				tenant = *id.TenantID
			}
			return c.JSON(fiber.Map{"userId": id.UserID, "tenantId": tenant})
		})
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		if kind := decodeError(t, resp); kind != apperrors.Unauthorized {
			t.Errorf("code = %q, want UNAUTHORIZED", kind)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Token abc")
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		tenant := "t1"
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", bearerToken(t, identity.Identity{UserID: "u1", TenantID: &tenant}))
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		var got map[string]string
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if got["userId"] != "u1" || got["tenantId"] != "t1" {
			t.Errorf("identity = %v, want u1/t1", got)
		}
	})

	t.Run("tenant override header", func(t *testing.T) {
		tenant := "t1"
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", bearerToken(t, identity.Identity{UserID: "u1", TenantID: &tenant}))
		req.Header.Set("X-Tenant-ID", "t2")
		resp := doReq(t, app, req)
		body, _ := io.ReadAll(resp.Body)
		var got map[string]string
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if got["tenantId"] != "t2" {
			t.Errorf("tenantId = %q, want the X-Tenant-ID override t2", got["tenantId"])
		}
	})
}

// fakePinger answers health probes with a fixed error.
type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	newApp := func(store, bus Pinger) *fiber.App {
		app := fiber.New()
		h := NewHealthHandler(store, bus)
		app.Get("/api/v1/health", h.Health)
		app.Get("/api/v1/health/detailed", h.Detailed)
		app.Get("/api/v1/ready", h.Ready)
		app.Get("/api/v1/live", h.Live)
		return app
	}

	t.Run("healthy", func(t *testing.T) {
		app := newApp(fakePinger{}, fakePinger{})
		for _, path := range []string{"/api/v1/health", "/api/v1/health/detailed", "/api/v1/ready", "/api/v1/live"} {
			resp := doReq(t, app, httptest.NewRequest(http.MethodGet, path, nil))
			if resp.StatusCode != fiber.StatusOK {
				t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
			}
		}
	})

	t.Run("store down", func(t *testing.T) {
		app := newApp(fakePinger{err: errors.New("down")}, fakePinger{})
		resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Errorf("detailed status = %d, want 503", resp.StatusCode)
		}
		resp = doReq(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Errorf("ready status = %d, want 503", resp.StatusCode)
		}
		// Liveness is about the process, not its dependencies.
		resp = doReq(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/live", nil))
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("live status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("degraded single-node mode", func(t *testing.T) {
		app := newApp(fakePinger{}, nil)
		resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("detailed status = %d in degraded mode, want 200", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), `"bus":"degraded"`) {
			t.Errorf("body %s should report the bus as degraded", body)
		}
	})
}

func TestConversationHandlerValidation(t *testing.T) {
	t.Parallel()

	handler := NewConversationHandler(nil, zerolog.Nop())
	app := authedApp(t, func(app *fiber.App) {
		app.Get("/api/v1/conversations", handler.List)
		app.Get("/api/v1/conversations/:id", handler.Get)
		app.Post("/api/v1/conversations/:id/read", handler.MarkRead)
	})
	auth := bearerToken(t, identity.Identity{UserID: "u1"})

	t.Run("bad cursor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations?cursor=yesterday", nil)
		req.Header.Set("Authorization", auth)
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if kind := decodeError(t, resp); kind != apperrors.ValidationError {
			t.Errorf("code = %q, want VALIDATION_ERROR", kind)
		}
	})

	t.Run("bad conversation id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/not-a-uuid", nil)
		req.Header.Set("Authorization", auth)
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("bad conversation id on read", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/nope/read", nil)
		req.Header.Set("Authorization", auth)
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestMessageHandlerValidation(t *testing.T) {
	t.Parallel()

	handler := NewMessageHandler(nil, nil, zerolog.Nop())
	app := authedApp(t, func(app *fiber.App) {
		app.Get("/api/v1/conversations/:cid/messages", handler.List)
		app.Post("/api/v1/conversations/:cid/messages", handler.Create)
		app.Get("/api/v1/conversations/:cid/messages/:mid", handler.Get)
	})
	auth := bearerToken(t, identity.Identity{UserID: "u1"})

	t.Run("bad conversation id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/xyz/messages", nil)
		req.Header.Set("Authorization", auth)
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("bad reply id", func(t *testing.T) {
		convID := "7b7a4e2c-3f6a-4e0f-9c6c-2f8f8e5d1a11"
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+convID+"/messages",
			strings.NewReader(`{"content":"hi","replyToId":"zzz"}`))
		req.Header.Set("Authorization", auth)
		req.Header.Set("Content-Type", "application/json")
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("bad message id", func(t *testing.T) {
		convID := "7b7a4e2c-3f6a-4e0f-9c6c-2f8f8e5d1a11"
		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/messages/nope", nil)
		req.Header.Set("Authorization", auth)
		resp := doReq(t, app, req)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestContactHandlerValidation(t *testing.T) {
	t.Parallel()

	handler := NewContactHandler(nil, zerolog.Nop())
	app := authedApp(t, func(app *fiber.App) {
		app.Post("/api/v1/contacts/requests/:id/respond", handler.Respond)
	})
	auth := bearerToken(t, identity.Identity{UserID: "u1"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/contacts/requests/not-a-uuid/respond",
		strings.NewReader(`{"action":"accept"}`))
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	resp := doReq(t, app, req)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
