package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/gkeferstein/messaging-server/internal/contact"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/message"
	"github.com/gkeferstein/messaging-server/internal/user"
)

// SenderView is the user-cache snapshot attached to a message.
type SenderView struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Email       *string `json:"email,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// MessageView is a message enriched with its sender snapshot.
type MessageView struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	AttachmentURL  *string    `json:"attachmentUrl,omitempty"`
	AttachmentType *string    `json:"attachmentType,omitempty"`
	AttachmentName *string    `json:"attachmentName,omitempty"`
	ReplyToID      *uuid.UUID `json:"replyToId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Sender         SenderView `json:"sender"`
}

// ParticipantView is a participant enriched with the user cache and presence.
type ParticipantView struct {
	UserID      string     `json:"userId"`
	TenantID    *string    `json:"tenantId,omitempty"`
	Role        string     `json:"role"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	DisplayName string     `json:"displayName"`
	Email       *string    `json:"email,omitempty"`
	AvatarURL   *string    `json:"avatarUrl,omitempty"`
	Online      bool       `json:"online"`
}

// ConversationView is a conversation enriched with participants, the last
// message, and the viewer's unread count.
type ConversationView struct {
	ID           uuid.UUID         `json:"id"`
	Type         string            `json:"type"`
	Name         *string           `json:"name,omitempty"`
	Description  *string           `json:"description,omitempty"`
	AvatarURL    *string           `json:"avatarUrl,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Participants []ParticipantView `json:"participants"`
	LastMessage  *MessageView      `json:"lastMessage,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
}

// ConversationsPage is one page of the viewer's conversation list.
type ConversationsPage struct {
	Conversations []ConversationView
	TotalUnread   int
	NextCursor    *string
	HasMore       bool
}

// MessagesPage is one page of a conversation's messages, newest first.
type MessagesPage struct {
	Messages   []MessageView
	NextCursor *string
	HasMore    bool
}

// RequestView is a contact request with its effective (expiry-adjusted)
// status.
type RequestView struct {
	ID           uuid.UUID  `json:"id"`
	FromUserID   string     `json:"fromUserId"`
	FromTenantID *string    `json:"fromTenantId,omitempty"`
	ToUserID     string     `json:"toUserId"`
	ToTenantID   *string    `json:"toTenantId,omitempty"`
	RuleID       string     `json:"ruleId"`
	Message      *string    `json:"message,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	RespondedAt  *time.Time `json:"respondedAt,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// BlockView is one row of the viewer's block list.
type BlockView struct {
	UserID        string    `json:"userId"`
	BlockedUserID string    `json:"blockedUserId"`
	Reason        *string   `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func senderView(id string, u *user.User) SenderView {
	v := SenderView{ID: id, DisplayName: u.DisplayName()}
	if u != nil {
		v.Email = u.Email
		v.AvatarURL = u.AvatarURL
	}
	return v
}

func messageView(m *message.Message, sender *user.User) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: m.AttachmentType,
		AttachmentName: m.AttachmentName,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		Sender:         senderView(m.SenderID, sender),
	}
}

func participantView(p conversation.Participant, u *user.User, online bool) ParticipantView {
	v := ParticipantView{
		UserID:      p.UserID,
		TenantID:    p.TenantID,
		Role:        string(p.Role),
		JoinedAt:    p.JoinedAt,
		LastReadAt:  p.LastReadAt,
		DisplayName: u.DisplayName(),
		Online:      online,
	}
	if u != nil {
		v.Email = u.Email
		v.AvatarURL = u.AvatarURL
	}
	return v
}

func requestView(r *contact.Request, now time.Time) RequestView {
	return RequestView{
		ID:           r.ID,
		FromUserID:   r.FromUserID,
		FromTenantID: r.FromTenantID,
		ToUserID:     r.ToUserID,
		ToTenantID:   r.ToTenantID,
		RuleID:       r.RuleID,
		Message:      r.Message,
		Status:       string(r.EffectiveStatus(now)),
		CreatedAt:    r.CreatedAt,
		RespondedAt:  r.RespondedAt,
		ExpiresAt:    r.ExpiresAt,
	}
}

func blockView(b *contact.Block) BlockView {
	return BlockView{
		UserID:        b.UserID,
		BlockedUserID: b.BlockedUserID,
		Reason:        b.Reason,
		CreatedAt:     b.CreatedAt,
	}
}
