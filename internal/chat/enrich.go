package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/message"
	"github.com/gkeferstein/messaging-server/internal/user"
)

// enricher caches user-cache rows and per-tenant online sets for one
// enrichment pass, so a page of conversations costs one cache query plus one
// presence read per distinct tenant.
type enricher struct {
	svc            *Service
	users          map[string]*user.User
	onlineByTenant map[string]map[string]struct{}
}

// newEnricher prefetches the user cache for every user appearing in the
// given participants and last messages.
func (s *Service) newEnricher(
	ctx context.Context,
	participantsByConv map[uuid.UUID][]conversation.Participant,
	lastByConv map[uuid.UUID]*message.Message,
) (*enricher, error) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, participants := range participantsByConv {
		for i := range participants {
			add(participants[i].UserID)
		}
	}
	for _, msg := range lastByConv {
		if msg != nil {
			add(msg.SenderID)
		}
	}

	users, err := s.users.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &enricher{
		svc:            s,
		users:          users,
		onlineByTenant: make(map[string]map[string]struct{}),
	}, nil
}

// online reports presence for a participant, fetching each tenant's online
// set at most once per pass.
func (e *enricher) online(ctx context.Context, tenantID *string, userID string) (bool, error) {
	key := "global"
	if tenantID != nil && *tenantID != "" {
		key = *tenantID
	}

	set, ok := e.onlineByTenant[key]
	if !ok {
		members, err := e.svc.presence.OnlineUsers(ctx, tenantID)
		if err != nil {
			return false, err
		}
		set = make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		e.onlineByTenant[key] = set
	}

	_, online := set[userID]
	return online, nil
}

func (e *enricher) participantViews(ctx context.Context, participants []conversation.Participant) ([]ParticipantView, error) {
	views := make([]ParticipantView, len(participants))
	for i := range participants {
		p := participants[i]
		online, err := e.online(ctx, p.TenantID, p.UserID)
		if err != nil {
			return nil, err
		}
		views[i] = participantView(p, e.users[p.UserID], online)
	}
	return views, nil
}

func (e *enricher) conversationView(
	ctx context.Context,
	conv *conversation.Conversation,
	participants []conversation.Participant,
	last *message.Message,
) (*ConversationView, error) {
	participantViews, err := e.participantViews(ctx, participants)
	if err != nil {
		return nil, err
	}

	view := &ConversationView{
		ID:           conv.ID,
		Type:         string(conv.Type),
		Name:         conv.Name,
		Description:  conv.Description,
		AvatarURL:    conv.AvatarURL,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		Participants: participantViews,
	}
	if last != nil {
		mv := messageView(last, e.users[last.SenderID])
		view.LastMessage = &mv
	}
	return view, nil
}
