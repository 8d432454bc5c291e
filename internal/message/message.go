// Package message holds the message entity and its PostgreSQL repository.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Message content types.
type Type string

const (
	TypeText       Type = "TEXT"
	TypeSystem     Type = "SYSTEM"
	TypeAttachment Type = "ATTACHMENT"
)

// ValidType reports whether t is a known message type.
func ValidType(t Type) bool {
	switch t {
	case TypeText, TypeSystem, TypeAttachment:
		return true
	default:
		return false
	}
}

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrReplyNotFound  = errors.New("reply target message not found in this conversation")
	ErrNotSender      = errors.New("you can only modify your own messages")
)

// Content and pagination limits.
const (
	MaxContentLength = 10000
	DefaultLimit     = 50
	MaxLimit         = 100
)

// strict strips all HTML from message content before it is persisted.
var strict = bluemonday.StrictPolicy()

// Message holds the fields read from the messages table.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       string
	Content        string
	Type           Type
	AttachmentURL  *string
	AttachmentType *string
	AttachmentName *string
	ReplyToID      *uuid.UUID
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedAt      *time.Time
}

// CreateParams groups the inputs for persisting a new message.
type CreateParams struct {
	ConversationID uuid.UUID
	SenderID       string
	Content        string
	Type           Type
	AttachmentURL  *string
	AttachmentType *string
	AttachmentName *string
	ReplyToID      *uuid.UUID
}

// ValidateContent sanitises and checks message content: HTML is stripped,
// surrounding whitespace removed, and the result must be non-empty and at
// most MaxContentLength runes.
func ValidateContent(content string) (string, error) {
	cleaned := strings.TrimSpace(strict.Sanitize(content))
	if cleaned == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(cleaned) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting
// to DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	// Create persists the message, advances the conversation's updated_at,
	// and sets the sender's read watermark, all in one transaction.
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	List(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]Message, error)
	LastMessages(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID]*Message, error)
	CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, sinceReadAt *time.Time) (int, error)
	UnreadCounts(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
	Edit(ctx context.Context, id uuid.UUID, senderID, content string) (*Message, error)
	SoftDelete(ctx context.Context, id uuid.UUID, senderID string) error
}
