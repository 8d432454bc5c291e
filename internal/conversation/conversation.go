// Package conversation holds the conversation and participant entities and
// their PostgreSQL repository.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation flavours. DIRECT and GROUP are general purpose, SUPPORT
// bypasses permission rules, ANNOUNCEMENT is reserved for an administrative
// pathway and cannot be created through the public endpoint.
type Type string

const (
	TypeDirect       Type = "DIRECT"
	TypeGroup        Type = "GROUP"
	TypeSupport      Type = "SUPPORT"
	TypeAnnouncement Type = "ANNOUNCEMENT"
)

// ValidType reports whether t is a known conversation type.
func ValidType(t Type) bool {
	switch t {
	case TypeDirect, TypeGroup, TypeSupport, TypeAnnouncement:
		return true
	default:
		return false
	}
}

// Participant roles. The creator of a conversation is OWNER; everyone else
// defaults to MEMBER.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Sentinel errors for the conversation package.
var (
	ErrNotFound       = errors.New("conversation not found")
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
	ErrDirectExists   = errors.New("a direct conversation for this pair already exists")
)

// Conversation holds the fields read from the conversations table.
type Conversation struct {
	ID          uuid.UUID
	Type        Type
	Name        *string
	Description *string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Participant holds one row of the participants table.
type Participant struct {
	ConversationID uuid.UUID
	UserID         string
	TenantID       *string
	Role           Role
	JoinedAt       time.Time
	LastReadAt     *time.Time
}

// ParticipantSpec describes a participant to insert at creation time.
type ParticipantSpec struct {
	UserID   string
	TenantID *string
	Role     Role
}

// CreateParams groups the inputs for creating a conversation with its
// initial participants.
type CreateParams struct {
	Type         Type
	Name         *string
	Description  *string
	Participants []ParticipantSpec
}

// DirectKey returns the canonical key identifying the unordered user pair of
// a DIRECT conversation.
func DirectKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// Repository defines the data-access contract for conversations and
// participants.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	FindDirect(ctx context.Context, a, b string) (*Conversation, error)
	ForUser(ctx context.Context, userID string, limit int, before *time.Time) ([]Conversation, error)
	Participants(ctx context.Context, conversationID uuid.UUID) ([]Participant, error)
	ParticipantsForConversations(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]Participant, error)
	ParticipantsForUser(ctx context.Context, userID string) ([]Participant, error)
	GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*Participant, error)
	IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error
}
