package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gkeferstein/messaging-server/internal/contact"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
	"github.com/gkeferstein/messaging-server/internal/message"
	"github.com/gkeferstein/messaging-server/internal/permission"
	"github.com/gkeferstein/messaging-server/internal/user"
)

// memConvRepo is an in-memory conversation.Repository.
type memConvRepo struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*conversation.Conversation
	participants  map[uuid.UUID][]conversation.Participant
	directKeys    map[string]uuid.UUID
}

func newMemConvRepo() *memConvRepo {
	return &memConvRepo{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		participants:  make(map[uuid.UUID][]conversation.Participant),
		directKeys:    make(map[string]uuid.UUID),
	}
}

func (r *memConvRepo) Create(_ context.Context, params conversation.CreateParams) (*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var directKey string
	if params.Type == conversation.TypeDirect {
		directKey = conversation.DirectKey(params.Participants[0].UserID, params.Participants[1].UserID)
		if _, exists := r.directKeys[directKey]; exists {
			return nil, conversation.ErrDirectExists
		}
	}

	now := time.Now()
	conv := &conversation.Conversation{
		ID:          uuid.New(),
		Type:        params.Type,
		Name:        params.Name,
		Description: params.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.conversations[conv.ID] = conv
	if directKey != "" {
		r.directKeys[directKey] = conv.ID
	}
	for _, spec := range params.Participants {
		r.participants[conv.ID] = append(r.participants[conv.ID], conversation.Participant{
			ConversationID: conv.ID,
			UserID:         spec.UserID,
			TenantID:       spec.TenantID,
			Role:           spec.Role,
			JoinedAt:       now,
		})
	}
	return copyConv(conv), nil
}

func (r *memConvRepo) GetByID(_ context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return copyConv(conv), nil
}

func (r *memConvRepo) FindDirect(_ context.Context, a, b string) (*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.directKeys[conversation.DirectKey(a, b)]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return copyConv(r.conversations[id]), nil
}

func (r *memConvRepo) ForUser(_ context.Context, userID string, limit int, before *time.Time) ([]conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []conversation.Conversation
	for id, participants := range r.participants {
		for _, p := range participants {
			if p.UserID == userID {
				conv := r.conversations[id]
				if before == nil || conv.UpdatedAt.Before(*before) {
					result = append(result, *conv)
				}
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *memConvRepo) Participants(_ context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.Participant(nil), r.participants[conversationID]...), nil
}

func (r *memConvRepo) ParticipantsForConversations(_ context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]conversation.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[uuid.UUID][]conversation.Participant)
	for _, id := range conversationIDs {
		result[id] = append([]conversation.Participant(nil), r.participants[id]...)
	}
	return result, nil
}

func (r *memConvRepo) ParticipantsForUser(_ context.Context, userID string) ([]conversation.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []conversation.Participant
	for _, participants := range r.participants {
		for _, p := range participants {
			if p.UserID == userID {
				result = append(result, p)
			}
		}
	}
	return result, nil
}

func (r *memConvRepo) GetParticipant(_ context.Context, conversationID uuid.UUID, userID string) (*conversation.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.participants[conversationID] {
		if p.UserID == userID {
			cp := r.participants[conversationID][i]
			return &cp, nil
		}
	}
	return nil, conversation.ErrNotParticipant
}

func (r *memConvRepo) IsParticipant(_ context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants[conversationID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memConvRepo) MarkRead(_ context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	participants := r.participants[conversationID]
	for i := range participants {
		if participants[i].UserID == userID {
			if participants[i].LastReadAt == nil || participants[i].LastReadAt.Before(at) {
				stamp := at
				participants[i].LastReadAt = &stamp
			}
			return nil
		}
	}
	return conversation.ErrNotParticipant
}

func (r *memConvRepo) touch(conversationID uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversations[conversationID]; ok && conv.UpdatedAt.Before(at) {
		conv.UpdatedAt = at
	}
}

func copyConv(c *conversation.Conversation) *conversation.Conversation {
	cp := *c
	return &cp
}

// memMsgRepo is an in-memory message.Repository. Create mirrors the
// transactional side effects of the real repository: the conversation's
// updated_at bump and the sender's read watermark.
type memMsgRepo struct {
	mu    sync.Mutex
	msgs  []message.Message
	convs *memConvRepo
}

func newMemMsgRepo(convs *memConvRepo) *memMsgRepo {
	return &memMsgRepo{convs: convs}
}

func (r *memMsgRepo) Create(ctx context.Context, params message.CreateParams) (*message.Message, error) {
	r.mu.Lock()
	if params.ReplyToID != nil {
		found := false
		for i := range r.msgs {
			m := &r.msgs[i]
			if m.ID == *params.ReplyToID && m.ConversationID == params.ConversationID && m.DeletedAt == nil {
				found = true
				break
			}
		}
		if !found {
			r.mu.Unlock()
			return nil, message.ErrReplyNotFound
		}
	}

	msg := message.Message{
		ID:             uuid.New(),
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Content:        params.Content,
		Type:           params.Type,
		AttachmentURL:  params.AttachmentURL,
		AttachmentType: params.AttachmentType,
		AttachmentName: params.AttachmentName,
		ReplyToID:      params.ReplyToID,
		CreatedAt:      time.Now(),
	}
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()

	r.convs.touch(params.ConversationID, msg.CreatedAt)
	_ = r.convs.MarkRead(ctx, params.ConversationID, params.SenderID, msg.CreatedAt)
	return &msg, nil
}

func (r *memMsgRepo) GetByID(_ context.Context, id uuid.UUID) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].ID == id && r.msgs[i].DeletedAt == nil {
			cp := r.msgs[i]
			return &cp, nil
		}
	}
	return nil, message.ErrNotFound
}

func (r *memMsgRepo) List(_ context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []message.Message
	for i := range r.msgs {
		m := r.msgs[i]
		if m.ConversationID != conversationID || m.DeletedAt != nil {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *memMsgRepo) LastMessages(_ context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID]*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[uuid.UUID]*message.Message)
	for _, id := range conversationIDs {
		for i := range r.msgs {
			m := r.msgs[i]
			if m.ConversationID != id || m.DeletedAt != nil {
				continue
			}
			if cur, ok := result[id]; !ok || m.CreatedAt.After(cur.CreatedAt) {
				cp := m
				result[id] = &cp
			}
		}
	}
	return result, nil
}

func (r *memMsgRepo) CountUnread(_ context.Context, conversationID uuid.UUID, userID string, sinceReadAt *time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.msgs {
		m := r.msgs[i]
		if m.ConversationID != conversationID || m.SenderID == userID || m.DeletedAt != nil {
			continue
		}
		if sinceReadAt == nil || m.CreatedAt.After(*sinceReadAt) {
			count++
		}
	}
	return count, nil
}

func (r *memMsgRepo) UnreadCounts(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	result := make(map[uuid.UUID]int)
	for _, id := range conversationIDs {
		p, err := r.convs.GetParticipant(ctx, id, userID)
		if err != nil {
			continue
		}
		count, err := r.CountUnread(ctx, id, userID, p.LastReadAt)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			result[id] = count
		}
	}
	return result, nil
}

func (r *memMsgRepo) TotalUnread(ctx context.Context, userID string) (int, error) {
	participants, err := r.convs.ParticipantsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range participants {
		count, err := r.CountUnread(ctx, p.ConversationID, userID, p.LastReadAt)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

func (r *memMsgRepo) Edit(_ context.Context, id uuid.UUID, senderID, content string) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.ID != id || m.DeletedAt != nil {
			continue
		}
		if m.SenderID != senderID {
			return nil, message.ErrNotSender
		}
		m.Content = content
		now := time.Now()
		m.EditedAt = &now
		cp := *m
		return &cp, nil
	}
	return nil, message.ErrNotFound
}

func (r *memMsgRepo) SoftDelete(_ context.Context, id uuid.UUID, senderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.ID != id || m.DeletedAt != nil {
			continue
		}
		if m.SenderID != senderID {
			return message.ErrNotSender
		}
		now := time.Now()
		m.DeletedAt = &now
		return nil
	}
	return message.ErrNotFound
}

// memUserRepo is an in-memory user.Repository.
type memUserRepo struct {
	users map[string]*user.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*user.User)}
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*user.User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (r *memUserRepo) GetMany(_ context.Context, ids []string) (map[string]*user.User, error) {
	result := make(map[string]*user.User)
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			result[id] = u
		}
	}
	return result, nil
}

// memContactRepo is an in-memory contact.Repository.
type memContactRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*contact.Request
	blocks   map[string]*contact.Block // "user|blocked"
}

func newMemContactRepo() *memContactRepo {
	return &memContactRepo{
		requests: make(map[uuid.UUID]*contact.Request),
		blocks:   make(map[string]*contact.Block),
	}
}

func (r *memContactRepo) CreateRequest(_ context.Context, params contact.CreateRequestParams) (*contact.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.FromUserID == params.FromUserID && req.ToUserID == params.ToUserID && req.Status == contact.StatusPending {
			return nil, contact.ErrDuplicatePending
		}
	}
	req := &contact.Request{
		ID:           uuid.New(),
		FromUserID:   params.FromUserID,
		FromTenantID: params.FromTenantID,
		ToUserID:     params.ToUserID,
		ToTenantID:   params.ToTenantID,
		RuleID:       params.RuleID,
		Message:      params.Message,
		Status:       contact.StatusPending,
		CreatedAt:    time.Now(),
		ExpiresAt:    params.ExpiresAt,
	}
	r.requests[req.ID] = req
	cp := *req
	return &cp, nil
}

func (r *memContactRepo) GetRequest(_ context.Context, id uuid.UUID) (*contact.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, contact.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *memContactRepo) Received(_ context.Context, userID string) ([]contact.Request, error) {
	return r.list(func(req *contact.Request) bool { return req.ToUserID == userID }), nil
}

func (r *memContactRepo) Sent(_ context.Context, userID string) ([]contact.Request, error) {
	return r.list(func(req *contact.Request) bool { return req.FromUserID == userID }), nil
}

func (r *memContactRepo) list(keep func(*contact.Request) bool) []contact.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []contact.Request
	for _, req := range r.requests {
		if keep(req) {
			result = append(result, *req)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}

func (r *memContactRepo) Respond(_ context.Context, id uuid.UUID, userID string, accept bool, at time.Time) (*contact.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, contact.ErrNotFound
	}
	if req.ToUserID != userID {
		return nil, contact.ErrNotRecipient
	}
	if req.Status != contact.StatusPending {
		return nil, contact.ErrAlreadyResolved
	}
	if req.EffectiveStatus(at) == contact.StatusExpired {
		return nil, contact.ErrRequestExpired
	}
	if accept {
		req.Status = contact.StatusAccepted
	} else {
		req.Status = contact.StatusDeclined
	}
	stamp := at
	req.RespondedAt = &stamp
	cp := *req
	return &cp, nil
}

func (r *memContactRepo) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, req := range r.requests {
		if req.Status == contact.StatusPending && !req.ExpiresAt.After(now) {
			req.Status = contact.StatusExpired
			n++
		}
	}
	return n, nil
}

func (r *memContactRepo) CreateBlock(_ context.Context, userID, blockedUserID string, reason *string) (*contact.Block, error) {
	if userID == blockedUserID {
		return nil, contact.ErrSelfBlock
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userID + "|" + blockedUserID
	if _, exists := r.blocks[key]; exists {
		return nil, contact.ErrAlreadyBlocked
	}
	b := &contact.Block{UserID: userID, BlockedUserID: blockedUserID, Reason: reason, CreatedAt: time.Now()}
	r.blocks[key] = b
	cp := *b
	return &cp, nil
}

func (r *memContactRepo) DeleteBlock(_ context.Context, userID, blockedUserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userID + "|" + blockedUserID
	if _, exists := r.blocks[key]; !exists {
		return contact.ErrBlockNotFound
	}
	delete(r.blocks, key)
	return nil
}

func (r *memContactRepo) Blocks(_ context.Context, userID string) ([]contact.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []contact.Block
	for _, b := range r.blocks {
		if b.UserID == userID {
			result = append(result, *b)
		}
	}
	return result, nil
}

// permStore adapts the in-memory repositories to permission.Store.
type permStore struct {
	rules    []permission.Rule
	convs    *memConvRepo
	contacts *memContactRepo
	users    *memUserRepo
	msgs     *memMsgRepo
}

func (s *permStore) ActiveRules(context.Context) ([]permission.Rule, error) {
	var active []permission.Rule
	for _, r := range s.rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}

func (s *permStore) IsBlockedEither(_ context.Context, a, b string) (bool, error) {
	s.contacts.mu.Lock()
	defer s.contacts.mu.Unlock()
	_, ab := s.contacts.blocks[a+"|"+b]
	_, ba := s.contacts.blocks[b+"|"+a]
	return ab || ba, nil
}

func (s *permStore) HasAcceptedContact(_ context.Context, a, b string) (bool, error) {
	s.contacts.mu.Lock()
	defer s.contacts.mu.Unlock()
	for _, req := range s.contacts.requests {
		if req.Status != contact.StatusAccepted {
			continue
		}
		if (req.FromUserID == a && req.ToUserID == b) || (req.FromUserID == b && req.ToUserID == a) {
			return true, nil
		}
	}
	return false, nil
}

func (s *permStore) HasPendingRequest(_ context.Context, from, to string, now time.Time) (bool, error) {
	s.contacts.mu.Lock()
	defer s.contacts.mu.Unlock()
	for _, req := range s.contacts.requests {
		if req.FromUserID == from && req.ToUserID == to && req.EffectiveStatus(now) == contact.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *permStore) CountDirectMessagesSince(ctx context.Context, senderID, recipientID string, since time.Time) (int, error) {
	conv, err := s.convs.FindDirect(ctx, senderID, recipientID)
	if err != nil {
		return 0, nil
	}
	s.msgs.mu.Lock()
	defer s.msgs.mu.Unlock()
	count := 0
	for i := range s.msgs.msgs {
		m := s.msgs.msgs[i]
		if m.ConversationID == conv.ID && m.SenderID == senderID && !m.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *permStore) ResolveActor(ctx context.Context, userID string) (identity.Identity, error) {
	id := identity.Identity{UserID: userID}
	if u, err := s.users.GetByID(ctx, userID); err == nil {
		id.TenantID = u.TenantID
		id.TenantRole = u.TenantRole
		id.PlatformRole = u.PlatformRole
		id.Email = u.Email
	}
	return id, nil
}

func (s *permStore) IsParticipant(ctx context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	return s.convs.IsParticipant(ctx, userID, conversationID)
}

func (s *permStore) ParticipantRole(ctx context.Context, conversationID uuid.UUID, userID string) (conversation.Role, error) {
	p, err := s.convs.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	return p.Role, nil
}
