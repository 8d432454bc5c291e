package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/chat"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/httputil"
)

// ConversationHandler serves conversation endpoints.
type ConversationHandler struct {
	chat *chat.Service
	log  zerolog.Logger
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(chatSvc *chat.Service, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{chat: chatSvc, log: logger}
}

// createConversationRequest is the body of POST /conversations.
type createConversationRequest struct {
	Type           string   `json:"type"`
	Name           *string  `json:"name,omitempty"`
	Description    *string  `json:"description,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// List handles GET /api/v1/conversations.
func (h *ConversationHandler) List(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	limit, cursor, ok := pageParams(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid cursor format")
	}

	page, err := h.chat.GetConversations(c, id.UserID, limit, cursor)
	if err != nil {
		return h.fail(c, err, "list conversations")
	}

	return httputil.SuccessMeta(c, page.Conversations, fiber.Map{
		"totalUnread": page.TotalUnread,
		"hasMore":     page.HasMore,
		"nextCursor":  page.NextCursor,
	})
}

// Create handles POST /api/v1/conversations.
func (h *ConversationHandler) Create(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	var body createConversationRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request body")
	}

	view, err := h.chat.CreateConversation(c, id, chat.CreateInput{
		Type:           conversation.Type(body.Type),
		Name:           body.Name,
		Description:    body.Description,
		ParticipantIDs: body.ParticipantIDs,
	})
	if err != nil {
		return h.fail(c, err, "create conversation")
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, view)
}

// Get handles GET /api/v1/conversations/:id.
func (h *ConversationHandler) Get(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}

	view, err := h.chat.GetConversation(c, id.UserID, convID)
	if err != nil {
		return h.fail(c, err, "get conversation")
	}
	return httputil.Success(c, view)
}

// Participants handles GET /api/v1/conversations/:id/participants.
func (h *ConversationHandler) Participants(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}

	views, err := h.chat.GetParticipants(c, id.UserID, convID)
	if err != nil {
		return h.fail(c, err, "get participants")
	}
	return httputil.Success(c, views)
}

// MarkRead handles POST /api/v1/conversations/:id/read.
func (h *ConversationHandler) MarkRead(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}

	if _, err := h.chat.MarkAsRead(c, id.UserID, convID); err != nil {
		return h.fail(c, err, "mark read")
	}
	return httputil.Success(c, fiber.Map{"marked": true})
}

// fail logs untagged errors with the request id and writes the wire
// envelope.
func (h *ConversationHandler) fail(c fiber.Ctx, err error, op string) error {
	if apperrors.AsError(err) == nil {
		h.log.Error().Err(err).Str("handler", "conversation").Str("op", op).
			Any("request_id", c.Locals("requestid")).Msg("Handler error")
	}
	return httputil.FailError(c, err)
}

// pageParams extracts the limit and optional RFC 3339 cursor shared by the
// paginated listings. The third return is false when the cursor is
// malformed.
func pageParams(c fiber.Ctx) (int, *time.Time, bool) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	var cursor *time.Time
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return 0, nil, false
		}
		cursor = &parsed
	}
	return limit, cursor, true
}
