package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names carried in the wire frame. Clients send the first group, the
// server emits the second.
const (
	// Client → server.
	EventAuth              = "auth"
	EventMessageSend       = "message:send"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventMessagesRead      = "messages:read"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventPresenceGet       = "presence:get"

	// Server → client.
	EventMessageNew         = "message:new"
	EventMessageSent        = "message:sent"
	EventMessageError       = "message:error"
	EventTypingUpdate       = "typing:update"
	EventPresenceOnline     = "presence:online"
	EventPresenceOffline    = "presence:offline"
	EventPresenceList       = "presence:list"
	EventConversationJoined = "conversation:joined"
	EventConversationLeft   = "conversation:left"
	EventConversationError  = "conversation:error"
)

// Client payloads.

// AuthData is the handshake payload. The connection is closed before any
// other frame flows when the token is missing or invalid.
type AuthData struct {
	Token    string  `json:"token"`
	TenantID *string `json:"tenantId,omitempty"`
}

// MessageSendData is the payload of message:send.
type MessageSendData struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	Content        string     `json:"content"`
	Type           string     `json:"type,omitempty"`
	ReplyToID      *uuid.UUID `json:"replyToId,omitempty"`
	AttachmentURL  *string    `json:"attachmentUrl,omitempty"`
	AttachmentType *string    `json:"attachmentType,omitempty"`
	AttachmentName *string    `json:"attachmentName,omitempty"`
}

// ConversationRefData carries a bare conversation reference, shared by the
// typing, read, join, and leave events.
type ConversationRefData struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

// Server payloads.

// MessageSentData acknowledges a successful send to the sender only.
type MessageSentData struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageErrorData reports a failed send to the sender only.
type MessageErrorData struct {
	Error          string    `json:"error"`
	ConversationID uuid.UUID `json:"conversationId"`
}

// TypingUpdateData broadcasts a typing change on the conversation topic.
type TypingUpdateData struct {
	UserID         string    `json:"userId"`
	ConversationID uuid.UUID `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
}

// MessagesReadData broadcasts a read-watermark advance on the conversation
// topic.
type MessagesReadData struct {
	UserID         string    `json:"userId"`
	ConversationID uuid.UUID `json:"conversationId"`
	ReadAt         time.Time `json:"readAt"`
}

// PresenceChangeData broadcasts an online/offline transition on the tenant
// topic.
type PresenceChangeData struct {
	UserID   string  `json:"userId"`
	TenantID *string `json:"tenantId,omitempty"`
}

// PresenceListData answers presence:get.
type PresenceListData struct {
	TenantID    *string  `json:"tenantId,omitempty"`
	OnlineUsers []string `json:"onlineUsers"`
}

// ConversationAckData acknowledges join/leave, or reports a join failure.
type ConversationAckData struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Error          string    `json:"error,omitempty"`
}

// envelope is the JSON structure published on bus topics. ExcludeUserID
// names a user every node skips during local re-emit, implementing
// "broadcast except the sender" across the cluster.
type envelope struct {
	Event         string          `json:"t"`
	Data          json.RawMessage `json:"d"`
	ExcludeUserID string          `json:"x,omitempty"`
}
