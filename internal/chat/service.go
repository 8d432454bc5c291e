// Package chat orchestrates conversations, messages, read state, and contact
// workflows. All business rules live here and in the permission resolver;
// the HTTP and gateway surfaces stay thin.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/contact"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
	"github.com/gkeferstein/messaging-server/internal/message"
	"github.com/gkeferstein/messaging-server/internal/permission"
	"github.com/gkeferstein/messaging-server/internal/presence"
	"github.com/gkeferstein/messaging-server/internal/user"
)

// Participant limits for conversation creation.
const (
	MinParticipants = 1
	MaxParticipants = 50
)

// Service orchestrates the messaging domain.
type Service struct {
	convs      conversation.Repository
	msgs       message.Repository
	users      user.Repository
	contacts   contact.Repository
	perms      *permission.Resolver
	presence   *presence.Service
	requestTTL time.Duration
	log        zerolog.Logger
}

// NewService creates a chat service.
func NewService(
	convs conversation.Repository,
	msgs message.Repository,
	users user.Repository,
	contacts contact.Repository,
	perms *permission.Resolver,
	presenceSvc *presence.Service,
	requestTTL time.Duration,
	logger zerolog.Logger,
) *Service {
	return &Service{
		convs:      convs,
		msgs:       msgs,
		users:      users,
		contacts:   contacts,
		perms:      perms,
		presence:   presenceSvc,
		requestTTL: requestTTL,
		log:        logger.With().Str("component", "chat").Logger(),
	}
}

// CreateInput groups the request payload for creating a conversation.
type CreateInput struct {
	Type           conversation.Type
	Name           *string
	Description    *string
	ParticipantIDs []string
}

// CreateConversation checks permissions and creates the conversation with the
// creator as OWNER. Creating a DIRECT conversation for a pair that already
// has one returns the existing conversation.
func (s *Service) CreateConversation(ctx context.Context, creator identity.Identity, input CreateInput) (*ConversationView, error) {
	if !conversation.ValidType(input.Type) {
		return nil, apperrors.New(apperrors.ValidationError, fmt.Sprintf("unknown conversation type %q", input.Type))
	}

	others := dedupe(input.ParticipantIDs, creator.UserID)
	if len(others) < MinParticipants || len(others) > MaxParticipants {
		return nil, apperrors.New(apperrors.ValidationError,
			fmt.Sprintf("participantIds must contain between %d and %d users besides the creator", MinParticipants, MaxParticipants))
	}

	decision, err := s.perms.CanCreateConversation(ctx, creator, others, input.Type)
	if err != nil {
		return nil, fmt.Errorf("create permission check: %w", err)
	}
	if !decision.Allowed {
		return nil, denialError(decision, others)
	}

	if input.Type == conversation.TypeDirect {
		if existing, err := s.convs.FindDirect(ctx, creator.UserID, others[0]); err == nil {
			return s.enrichOne(ctx, existing, creator.UserID)
		} else if !errors.Is(err, conversation.ErrNotFound) {
			return nil, err
		}
	}

	specs, err := s.participantSpecs(ctx, creator, others)
	if err != nil {
		return nil, err
	}

	conv, err := s.convs.Create(ctx, conversation.CreateParams{
		Type:         input.Type,
		Name:         input.Name,
		Description:  input.Description,
		Participants: specs,
	})
	if errors.Is(err, conversation.ErrDirectExists) {
		// Lost the race with a concurrent create; the winner is authoritative.
		winner, findErr := s.convs.FindDirect(ctx, creator.UserID, others[0])
		if findErr != nil {
			return nil, fmt.Errorf("read direct conversation after collision: %w", findErr)
		}
		return s.enrichOne(ctx, winner, creator.UserID)
	}
	if err != nil {
		return nil, err
	}

	return s.enrichOne(ctx, conv, creator.UserID)
}

// SendInput groups the payload for sending a message.
type SendInput struct {
	ConversationID uuid.UUID
	Content        string
	Type           message.Type
	ReplyToID      *uuid.UUID
	AttachmentURL  *string
	AttachmentType *string
	AttachmentName *string
}

// SendMessage persists a message from a participant. The insert, the
// conversation bump, and the sender's read watermark land in one
// transaction; on failure nothing is persisted and the error is surfaced to
// the caller.
func (s *Service) SendMessage(ctx context.Context, sender identity.Identity, input SendInput) (*MessageView, error) {
	if err := s.requireParticipant(ctx, sender.UserID, input.ConversationID); err != nil {
		return nil, err
	}

	content, err := message.ValidateContent(input.Content)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ValidationError, err.Error(), err)
	}

	msgType := input.Type
	if msgType == "" {
		msgType = message.TypeText
	}
	if !message.ValidType(msgType) {
		return nil, apperrors.New(apperrors.ValidationError, fmt.Sprintf("unknown message type %q", msgType))
	}

	msg, err := s.msgs.Create(ctx, message.CreateParams{
		ConversationID: input.ConversationID,
		SenderID:       sender.UserID,
		Content:        content,
		Type:           msgType,
		AttachmentURL:  input.AttachmentURL,
		AttachmentType: input.AttachmentType,
		AttachmentName: input.AttachmentName,
		ReplyToID:      input.ReplyToID,
	})
	if errors.Is(err, message.ErrReplyNotFound) {
		return nil, apperrors.Wrap(apperrors.ValidationError, "reply target not found in this conversation", err)
	}
	if err != nil {
		return nil, err
	}

	senderRow, err := s.users.GetByID(ctx, sender.UserID)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}

	view := messageView(msg, senderRow)
	return &view, nil
}

// GetConversations returns one page of the viewer's conversations, newest
// activity first, enriched with participants, presence, the last message,
// and unread counts.
func (s *Service) GetConversations(ctx context.Context, userID string, limit int, cursor *time.Time) (*ConversationsPage, error) {
	limit = message.ClampLimit(limit)

	convs, err := s.convs.ForUser(ctx, userID, limit+1, cursor)
	if err != nil {
		return nil, err
	}

	page := &ConversationsPage{}
	if len(convs) > limit {
		convs = convs[:limit]
		page.HasMore = true
		cursorStr := convs[len(convs)-1].UpdatedAt.Format(time.RFC3339Nano)
		page.NextCursor = &cursorStr
	}

	ids := make([]uuid.UUID, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}

	participantsByConv, err := s.convs.ParticipantsForConversations(ctx, ids)
	if err != nil {
		return nil, err
	}
	lastByConv, err := s.msgs.LastMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	unreadByConv, err := s.msgs.UnreadCounts(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	totalUnread, err := s.msgs.TotalUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	page.TotalUnread = totalUnread

	enricher, err := s.newEnricher(ctx, participantsByConv, lastByConv)
	if err != nil {
		return nil, err
	}

	page.Conversations = make([]ConversationView, len(convs))
	for i := range convs {
		view, err := enricher.conversationView(ctx, &convs[i], participantsByConv[convs[i].ID], lastByConv[convs[i].ID])
		if err != nil {
			return nil, err
		}
		view.UnreadCount = unreadByConv[convs[i].ID]
		page.Conversations[i] = *view
	}
	return page, nil
}

// GetConversation returns a single conversation the viewer participates in.
// Membership is probed directly rather than scanning the viewer's list.
func (s *Service) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*ConversationView, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	conv, err := s.convs.GetByID(ctx, conversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.NotFound, "conversation not found", err)
	}
	if err != nil {
		return nil, err
	}
	return s.enrichOne(ctx, conv, userID)
}

// GetMessages returns one page of a conversation's messages, newest first,
// excluding tombstones.
func (s *Service) GetMessages(ctx context.Context, userID string, conversationID uuid.UUID, limit int, cursor *time.Time) (*MessagesPage, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	limit = message.ClampLimit(limit)
	msgs, err := s.msgs.List(ctx, conversationID, limit+1, cursor)
	if err != nil {
		return nil, err
	}

	page := &MessagesPage{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
		cursorStr := msgs[len(msgs)-1].CreatedAt.Format(time.RFC3339Nano)
		page.NextCursor = &cursorStr
	}

	senderIDs := make([]string, 0, len(msgs))
	for i := range msgs {
		senderIDs = append(senderIDs, msgs[i].SenderID)
	}
	senders, err := s.users.GetMany(ctx, senderIDs)
	if err != nil {
		return nil, err
	}

	page.Messages = make([]MessageView, len(msgs))
	for i := range msgs {
		page.Messages[i] = messageView(&msgs[i], senders[msgs[i].SenderID])
	}
	return page, nil
}

// GetMessage returns a single message in a conversation the viewer
// participates in.
func (s *Service) GetMessage(ctx context.Context, userID string, conversationID, messageID uuid.UUID) (*MessageView, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msg, err := s.msgs.GetByID(ctx, messageID)
	if errors.Is(err, message.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.NotFound, "message not found", err)
	}
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, apperrors.New(apperrors.NotFound, "message not found")
	}

	senderRow, err := s.users.GetByID(ctx, msg.SenderID)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}
	view := messageView(msg, senderRow)
	return &view, nil
}

// EditMessage replaces the content of the viewer's own message.
func (s *Service) EditMessage(ctx context.Context, userID string, conversationID, messageID uuid.UUID, newContent string) (*MessageView, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	content, err := message.ValidateContent(newContent)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ValidationError, err.Error(), err)
	}

	msg, err := s.msgs.Edit(ctx, messageID, userID, content)
	if err != nil {
		return nil, mapMessageMutation(err)
	}

	senderRow, err := s.users.GetByID(ctx, msg.SenderID)
	if err != nil && !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}
	view := messageView(msg, senderRow)
	return &view, nil
}

// DeleteMessage tombstones the viewer's own message.
func (s *Service) DeleteMessage(ctx context.Context, userID string, conversationID, messageID uuid.UUID) error {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.msgs.SoftDelete(ctx, messageID, userID); err != nil {
		return mapMessageMutation(err)
	}
	return nil
}

// MarkAsRead advances the viewer's read watermark to now. The operation is
// idempotent; an older concurrent call never rewinds the watermark.
func (s *Service) MarkAsRead(ctx context.Context, userID string, conversationID uuid.UUID) (time.Time, error) {
	now := time.Now()
	err := s.convs.MarkRead(ctx, conversationID, userID, now)
	if errors.Is(err, conversation.ErrNotParticipant) {
		return time.Time{}, notParticipantError(err)
	}
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// GetUnreadCount sums the viewer's unread messages across every
// conversation they participate in.
func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.msgs.TotalUnread(ctx, userID)
}

// GetParticipants returns the participants of a conversation the viewer
// belongs to, enriched with the user cache and presence.
func (s *Service) GetParticipants(ctx context.Context, userID string, conversationID uuid.UUID) ([]ParticipantView, error) {
	if err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	participants, err := s.convs.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	enricher, err := s.newEnricher(ctx,
		map[uuid.UUID][]conversation.Participant{conversationID: participants}, nil)
	if err != nil {
		return nil, err
	}
	return enricher.participantViews(ctx, participants)
}

// requireParticipant fails with a Forbidden error wrapping
// conversation.ErrNotParticipant when the user is not in the conversation.
func (s *Service) requireParticipant(ctx context.Context, userID string, conversationID uuid.UUID) error {
	ok, err := s.perms.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return notParticipantError(conversation.ErrNotParticipant)
	}
	return nil
}

// participantSpecs builds the insert specs: the creator as OWNER, everyone
// else as MEMBER with their tenant taken from the user cache.
func (s *Service) participantSpecs(ctx context.Context, creator identity.Identity, others []string) ([]conversation.ParticipantSpec, error) {
	cached, err := s.users.GetMany(ctx, others)
	if err != nil {
		return nil, err
	}

	specs := make([]conversation.ParticipantSpec, 0, len(others)+1)
	specs = append(specs, conversation.ParticipantSpec{
		UserID:   creator.UserID,
		TenantID: creator.TenantID,
		Role:     conversation.RoleOwner,
	})
	for _, id := range others {
		spec := conversation.ParticipantSpec{UserID: id, Role: conversation.RoleMember}
		if u, ok := cached[id]; ok {
			spec.TenantID = u.TenantID
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// enrichOne builds the full view of a single conversation for the viewer.
func (s *Service) enrichOne(ctx context.Context, conv *conversation.Conversation, viewerID string) (*ConversationView, error) {
	participants, err := s.convs.Participants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	lastByConv, err := s.msgs.LastMessages(ctx, []uuid.UUID{conv.ID})
	if err != nil {
		return nil, err
	}

	var lastReadAt *time.Time
	for i := range participants {
		if participants[i].UserID == viewerID {
			lastReadAt = participants[i].LastReadAt
		}
	}
	unread, err := s.msgs.CountUnread(ctx, conv.ID, viewerID, lastReadAt)
	if err != nil {
		return nil, err
	}

	enricher, err := s.newEnricher(ctx,
		map[uuid.UUID][]conversation.Participant{conv.ID: participants}, lastByConv)
	if err != nil {
		return nil, err
	}
	view, err := enricher.conversationView(ctx, conv, participants, lastByConv[conv.ID])
	if err != nil {
		return nil, err
	}
	view.UnreadCount = unread
	return view, nil
}

func dedupe(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// notParticipantError keeps the sentinel visible through errors.Is while
// carrying the Forbidden wire kind.
func notParticipantError(cause error) error {
	return apperrors.Wrap(apperrors.Forbidden, "you are not a participant of this conversation", cause)
}

// denialError converts a permission denial into the wire error taxonomy.
func denialError(d permission.Decision, targets []string) error {
	if d.RequiresApproval {
		e := apperrors.New(apperrors.ContactRequestRequired, "a contact request is required to message this user")
		if len(targets) > 0 {
			e.WithDetail("targetUserId", targets[0])
		}
		e.WithDetail("reason", d.Reason)
		return e
	}
	return apperrors.New(apperrors.Forbidden, d.Reason)
}

func mapMessageMutation(err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return apperrors.Wrap(apperrors.NotFound, "message not found", err)
	case errors.Is(err, message.ErrNotSender):
		return apperrors.Wrap(apperrors.Forbidden, "you can only modify your own messages", err)
	default:
		return err
	}
}
