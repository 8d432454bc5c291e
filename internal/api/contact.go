package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/chat"
	"github.com/gkeferstein/messaging-server/internal/httputil"
)

// ContactHandler serves contact request and block endpoints.
type ContactHandler struct {
	chat *chat.Service
	log  zerolog.Logger
}

// NewContactHandler creates a contact handler.
func NewContactHandler(chatSvc *chat.Service, logger zerolog.Logger) *ContactHandler {
	return &ContactHandler{chat: chatSvc, log: logger}
}

// createRequestBody is the body of POST /contacts/requests.
type createRequestBody struct {
	ToUserID string  `json:"toUserId"`
	Message  *string `json:"message,omitempty"`
}

// respondBody is the body of POST /contacts/requests/:id/respond.
type respondBody struct {
	Action string `json:"action"`
}

// blockBody is the body of POST /contacts/block.
type blockBody struct {
	UserID string  `json:"userId"`
	Reason *string `json:"reason,omitempty"`
}

// Received handles GET /api/v1/contacts/requests.
func (h *ContactHandler) Received(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	requests, err := h.chat.ReceivedContactRequests(c, id.UserID)
	if err != nil {
		return h.fail(c, err, "received requests")
	}
	return httputil.Success(c, requests)
}

// Sent handles GET /api/v1/contacts/requests/sent.
func (h *ContactHandler) Sent(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	requests, err := h.chat.SentContactRequests(c, id.UserID)
	if err != nil {
		return h.fail(c, err, "sent requests")
	}
	return httputil.Success(c, requests)
}

// Create handles POST /api/v1/contacts/requests.
func (h *ContactHandler) Create(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	var body createRequestBody
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request body")
	}

	view, err := h.chat.CreateContactRequest(c, id, body.ToUserID, body.Message)
	if err != nil {
		return h.fail(c, err, "create request")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, view)
}

// Respond handles POST /api/v1/contacts/requests/:id/respond.
func (h *ContactHandler) Respond(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request ID format")
	}

	var body respondBody
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request body")
	}

	view, err := h.chat.RespondToContactRequest(c, id.UserID, requestID, body.Action)
	if err != nil {
		return h.fail(c, err, "respond to request")
	}
	return httputil.Success(c, view)
}

// Block handles POST /api/v1/contacts/block.
func (h *ContactHandler) Block(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	var body blockBody
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request body")
	}

	view, err := h.chat.BlockUser(c, id.UserID, body.UserID, body.Reason)
	if err != nil {
		return h.fail(c, err, "block user")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, view)
}

// Unblock handles DELETE /api/v1/contacts/block/:userId.
func (h *ContactHandler) Unblock(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	target := c.Params("userId")
	if target == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "userId is required")
	}

	if err := h.chat.UnblockUser(c, id.UserID, target); err != nil {
		return h.fail(c, err, "unblock user")
	}
	return httputil.Success(c, fiber.Map{"unblocked": true})
}

// Blocked handles GET /api/v1/contacts/blocked.
func (h *ContactHandler) Blocked(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	blocks, err := h.chat.BlockedUsers(c, id.UserID)
	if err != nil {
		return h.fail(c, err, "list blocks")
	}
	return httputil.Success(c, blocks)
}

// CanMessage handles GET /api/v1/contacts/can-message/:userId.
func (h *ContactHandler) CanMessage(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	target := c.Params("userId")
	if target == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "userId is required")
	}

	decision, err := h.chat.CanMessage(c, id, target)
	if err != nil {
		return h.fail(c, err, "can message")
	}

	result := fiber.Map{
		"canMessage":       decision.Allowed,
		"requiresApproval": decision.RequiresApproval,
	}
	if decision.Reason != "" {
		result["reason"] = decision.Reason
	}
	return httputil.Success(c, result)
}

func (h *ContactHandler) fail(c fiber.Ctx, err error, op string) error {
	if apperrors.AsError(err) == nil {
		h.log.Error().Err(err).Str("handler", "contact").Str("op", op).
			Any("request_id", c.Locals("requestid")).Msg("Handler error")
	}
	return httputil.FailError(c, err)
}
