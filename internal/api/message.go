package api

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/chat"
	"github.com/gkeferstein/messaging-server/internal/gateway"
	"github.com/gkeferstein/messaging-server/internal/httputil"
	"github.com/gkeferstein/messaging-server/internal/message"
)

// MessageHandler serves message endpoints. Messages created over HTTP fan
// out through the same gateway topics as transport sends.
type MessageHandler struct {
	chat   *chat.Service
	fanout *gateway.Fanout
	log    zerolog.Logger
}

// NewMessageHandler creates a message handler. fanout may be nil in tests.
func NewMessageHandler(chatSvc *chat.Service, fanout *gateway.Fanout, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{chat: chatSvc, fanout: fanout, log: logger}
}

// createMessageRequest is the body of POST /conversations/:cid/messages.
type createMessageRequest struct {
	Content        string  `json:"content"`
	Type           string  `json:"type,omitempty"`
	ReplyToID      *string `json:"replyToId,omitempty"`
	AttachmentURL  *string `json:"attachmentUrl,omitempty"`
	AttachmentType *string `json:"attachmentType,omitempty"`
	AttachmentName *string `json:"attachmentName,omitempty"`
}

// editMessageRequest is the body of PATCH /conversations/:cid/messages/:mid.
type editMessageRequest struct {
	Content string `json:"content"`
}

// List handles GET /api/v1/conversations/:cid/messages.
func (h *MessageHandler) List(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("cid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}

	limit, cursor, ok := pageParams(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid cursor format")
	}

	page, err := h.chat.GetMessages(c, id.UserID, convID, limit, cursor)
	if err != nil {
		return h.fail(c, err, "list messages")
	}
	return httputil.SuccessMeta(c, page.Messages, fiber.Map{
		"hasMore":    page.HasMore,
		"nextCursor": page.NextCursor,
	})
}

// Create handles POST /api/v1/conversations/:cid/messages.
func (h *MessageHandler) Create(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("cid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request body")
	}

	var replyToID *uuid.UUID
	if body.ReplyToID != nil {
		parsed, err := uuid.Parse(*body.ReplyToID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid replyToId format")
		}
		replyToID = &parsed
	}

	view, err := h.chat.SendMessage(c, id, chat.SendInput{
		ConversationID: convID,
		Content:        body.Content,
		Type:           message.Type(body.Type),
		ReplyToID:      replyToID,
		AttachmentURL:  body.AttachmentURL,
		AttachmentType: body.AttachmentType,
		AttachmentName: body.AttachmentName,
	})
	if err != nil {
		return h.fail(c, err, "create message")
	}

	// Best-effort fanout so connected clients see HTTP sends in real time.
	if h.fanout != nil {
		go func(v chat.MessageView, senderID string) {
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			defer cancel()
			h.fanout.MessageNew(ctx, &v, senderID)
		}(*view, id.UserID)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, view)
}

// Get handles GET /api/v1/conversations/:cid/messages/:mid.
func (h *MessageHandler) Get(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("cid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}
	msgID, err := uuid.Parse(c.Params("mid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid message ID format")
	}

	view, err := h.chat.GetMessage(c, id.UserID, convID, msgID)
	if err != nil {
		return h.fail(c, err, "get message")
	}
	return httputil.Success(c, view)
}

// Edit handles PATCH /api/v1/conversations/:cid/messages/:mid.
func (h *MessageHandler) Edit(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("cid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}
	msgID, err := uuid.Parse(c.Params("mid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid message ID format")
	}

	var body editMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid request body")
	}

	view, err := h.chat.EditMessage(c, id.UserID, convID, msgID, body.Content)
	if err != nil {
		return h.fail(c, err, "edit message")
	}
	return httputil.Success(c, view)
}

// Delete handles DELETE /api/v1/conversations/:cid/messages/:mid.
func (h *MessageHandler) Delete(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}
	convID, err := uuid.Parse(c.Params("cid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid conversation ID format")
	}
	msgID, err := uuid.Parse(c.Params("mid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apperrors.ValidationError, "Invalid message ID format")
	}

	if err := h.chat.DeleteMessage(c, id.UserID, convID, msgID); err != nil {
		return h.fail(c, err, "delete message")
	}
	return httputil.Success(c, fiber.Map{"deleted": true})
}

// Unread handles GET /api/v1/messages/unread.
func (h *MessageHandler) Unread(c fiber.Ctx) error {
	id, ok := caller(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apperrors.Unauthorized, "Missing user identity")
	}

	count, err := h.chat.GetUnreadCount(c, id.UserID)
	if err != nil {
		return h.fail(c, err, "unread count")
	}
	return httputil.Success(c, fiber.Map{"unreadCount": count})
}

func (h *MessageHandler) fail(c fiber.Ctx, err error, op string) error {
	if apperrors.AsError(err) == nil {
		h.log.Error().Err(err).Str("handler", "message").Str("op", op).
			Any("request_id", c.Locals("requestid")).Msg("Handler error")
	}
	return httputil.FailError(c, err)
}
