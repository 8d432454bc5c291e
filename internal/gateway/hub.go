package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
	"github.com/gkeferstein/messaging-server/internal/bus"
	"github.com/gkeferstein/messaging-server/internal/chat"
	"github.com/gkeferstein/messaging-server/internal/config"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
	"github.com/gkeferstein/messaging-server/internal/message"
	"github.com/gkeferstein/messaging-server/internal/presence"
)

// Hub is the session manager and room fanout. It tracks connected clients,
// maintains refcounted topic subscriptions on the bus, and re-emits bus
// deliveries to the locally connected members of each topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client             // by user id
	topics  map[string]map[*Client]struct{} // local topic membership

	// pendingOffline holds the debounce timers that suppress the
	// offline→online flap when a client reconnects within the grace window.
	pendingOffline map[string]*time.Timer

	bus      bus.Bus
	cfg      *config.Config
	verifier *identity.Verifier
	chat     *chat.Service
	presence *presence.Service
	convs    conversation.Repository
	fanout   *Fanout
	log      zerolog.Logger
}

// NewHub creates a gateway hub.
func NewHub(
	b bus.Bus,
	cfg *config.Config,
	verifier *identity.Verifier,
	chatSvc *chat.Service,
	presenceSvc *presence.Service,
	convs conversation.Repository,
	fanout *Fanout,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:        make(map[string]*Client),
		topics:         make(map[string]map[*Client]struct{}),
		pendingOffline: make(map[string]*time.Timer),
		bus:            b,
		cfg:            cfg,
		verifier:       verifier,
		chat:           chatSvc,
		presence:       presenceSvc,
		convs:          convs,
		fanout:         fanout,
		log:            logger.With().Str("component", "gateway").Logger(),
	}
}

// Run consumes bus deliveries and re-emits them to locally connected topic
// members. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info().Msg("Gateway hub consuming bus deliveries")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-h.bus.Messages():
			if !ok {
				return nil
			}
			h.dispatch(msg)
		}
	}
}

// ServeWebSocket runs the read and write pumps for an upgraded connection.
// It returns when the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)
	go client.writePump()
	client.readPump()
}

// dispatch fans one bus delivery out to the topic's local members, honouring
// the envelope's exclusion.
func (h *Hub) dispatch(msg bus.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		h.log.Warn().Err(err).Str("topic", msg.Topic).Msg("Invalid bus envelope")
		return
	}

	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		h.log.Warn().Err(err).Str("event", env.Event).Msg("Failed to build dispatch frame")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.topics[msg.Topic]))
	for c := range h.topics[msg.Topic] {
		if env.ExcludeUserID != "" && c.Identity().UserID == env.ExcludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// register installs an authenticated client: the previous connection for the
// same user is displaced, the standing topics are joined, presence is set,
// and every conversation the user participates in is subscribed.
func (h *Hub) register(ctx context.Context, client *Client) error {
	id := client.Identity()

	h.mu.Lock()
	if existing, ok := h.clients[id.UserID]; ok {
		h.log.Debug().Str("user_id", id.UserID).Msg("Displacing existing connection")
		h.removeFromTopicsLocked(existing)
		existing.closeSend()
		delete(h.clients, id.UserID)
	}
	h.clients[id.UserID] = client

	// Reconnect within the grace window: cancel the pending offline and skip
	// re-announcing presence, so observers never see a flap.
	reconnected := false
	if timer, ok := h.pendingOffline[id.UserID]; ok {
		timer.Stop()
		delete(h.pendingOffline, id.UserID)
		reconnected = true
	}
	h.mu.Unlock()

	if err := h.joinTopic(ctx, client, userTopic(id.UserID)); err != nil {
		return err
	}
	if err := h.joinTopic(ctx, client, tenantTopic(id.TenantID)); err != nil {
		return err
	}

	if err := h.presence.SetOnline(ctx, id.UserID, id.TenantID); err != nil {
		h.log.Warn().Err(err).Str("user_id", id.UserID).Msg("Failed to set presence online")
	} else if !reconnected {
		h.fanout.Publish(ctx, tenantTopic(id.TenantID), EventPresenceOnline,
			PresenceChangeData{UserID: id.UserID, TenantID: id.TenantID}, "")
	}

	participants, err := h.convs.ParticipantsForUser(ctx, id.UserID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if err := h.joinTopic(ctx, client, conversationTopic(p.ConversationID)); err != nil {
			return err
		}
	}

	h.log.Info().Str("user_id", id.UserID).Int("conversations", len(participants)).Msg("Client connected")
	return nil
}

// unregister removes a client and schedules the debounced offline
// transition.
func (h *Hub) unregister(client *Client) {
	if !client.IsAuthenticated() {
		return
	}
	id := client.Identity()

	h.mu.Lock()
	current, ok := h.clients[id.UserID]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id.UserID)
	h.removeFromTopicsLocked(client)

	grace := time.Duration(h.cfg.PresenceOfflineGraceMS) * time.Millisecond
	if existing, ok := h.pendingOffline[id.UserID]; ok {
		existing.Stop()
	}
	h.pendingOffline[id.UserID] = time.AfterFunc(grace, func() { h.confirmOffline(id) })
	h.mu.Unlock()

	client.closeSend()
	h.log.Debug().Str("user_id", id.UserID).Msg("Client disconnected")
}

// confirmOffline fires after the grace window. If the user has not
// reconnected, presence is cleared and the offline event published.
func (h *Hub) confirmOffline(id identity.Identity) {
	h.mu.Lock()
	delete(h.pendingOffline, id.UserID)
	_, reconnected := h.clients[id.UserID]
	h.mu.Unlock()

	if reconnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.SetOffline(ctx, id.UserID, id.TenantID); err != nil {
		h.log.Warn().Err(err).Str("user_id", id.UserID).Msg("Failed to set presence offline")
	}
	h.fanout.Publish(ctx, tenantTopic(id.TenantID), EventPresenceOffline,
		PresenceChangeData{UserID: id.UserID, TenantID: id.TenantID}, "")
}

// joinTopic adds the client to a topic's local membership, subscribing on
// the bus when this node gains its first member. The bus call happens under
// the hub lock so a concurrent disconnect cannot unsubscribe a topic a new
// connection just joined.
func (h *Hub) joinTopic(ctx context.Context, client *Client, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*Client]struct{})
		h.topics[topic] = members
	}
	first := len(members) == 0
	members[client] = struct{}{}

	if first {
		if err := h.bus.Subscribe(ctx, topic); err != nil {
			delete(members, client)
			if len(members) == 0 {
				delete(h.topics, topic)
			}
			return err
		}
	}
	return nil
}

// leaveTopic removes the client from a topic's local membership,
// unsubscribing on the bus when this node loses its last member.
func (h *Hub) leaveTopic(ctx context.Context, client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropMemberLocked(client, topic) {
		if err := h.bus.Unsubscribe(ctx, topic); err != nil {
			h.log.Warn().Err(err).Str("topic", topic).Msg("Bus unsubscribe failed")
		}
	}
}

// removeFromTopicsLocked strips a client from every topic and unsubscribes
// the ones this node no longer needs. Callers must hold mu.
func (h *Hub) removeFromTopicsLocked(client *Client) {
	var emptied []string
	for topic := range h.topics {
		if h.dropMemberLocked(client, topic) {
			emptied = append(emptied, topic)
		}
	}
	if len(emptied) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.bus.Unsubscribe(ctx, emptied...); err != nil {
			h.log.Warn().Err(err).Strs("topics", emptied).Msg("Bus unsubscribe failed")
		}
	}
}

// dropMemberLocked removes the client from one topic and reports whether the
// topic became empty. Callers must hold mu.
func (h *Hub) dropMemberLocked(client *Client, topic string) bool {
	members, ok := h.topics[topic]
	if !ok {
		return false
	}
	if _, member := members[client]; !member {
		return false
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.topics, topic)
		return true
	}
	return false
}

// localMembers reports how many local clients are joined to a topic.
func (h *Hub) localMembers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ClientCount returns the number of connected authenticated clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection with the server-restart close code and clears
// presence without waiting for the debounce.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.topics = make(map[string]map[*Client]struct{})
	for userID, timer := range h.pendingOffline {
		timer.Stop()
		delete(h.pendingOffline, userID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range clients {
		id := c.Identity()
		if err := h.presence.SetOffline(ctx, id.UserID, id.TenantID); err != nil {
			h.log.Warn().Err(err).Str("user_id", id.UserID).Msg("Failed to clear presence on shutdown")
		}
		c.closeSend()
		c.closeWithCode(CloseServerRestart, "server shutting down")
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// handleAuth verifies the handshake token and registers the client. The
// connection is closed before any app frame flows when verification fails.
func (h *Hub) handleAuth(client *Client, data AuthData) {
	id, err := h.verifier.Verify(data.Token)
	if err != nil {
		h.log.Debug().Msg("Handshake token verification failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}
	if data.TenantID != nil && *data.TenantID != "" {
		id.TenantID = data.TenantID
	}
	client.setIdentity(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.register(ctx, client); err != nil {
		h.log.Error().Err(err).Str("user_id", id.UserID).Msg("Failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
	}
}

// handleMessageSend persists the message and fans it out: once on the
// conversation topic and once per other participant's user topic. The
// doubled delivery is deliberate; clients dedupe by message id.
func (h *Hub) handleMessageSend(ctx context.Context, client *Client, data MessageSendData) {
	id := client.Identity()

	view, err := h.chat.SendMessage(ctx, id, chat.SendInput{
		ConversationID: data.ConversationID,
		Content:        data.Content,
		Type:           message.Type(data.Type),
		ReplyToID:      data.ReplyToID,
		AttachmentURL:  data.AttachmentURL,
		AttachmentType: data.AttachmentType,
		AttachmentName: data.AttachmentName,
	})
	if err != nil {
		client.sendEvent(EventMessageError, MessageErrorData{
			Error:          errorMessage(err),
			ConversationID: data.ConversationID,
		})
		return
	}

	h.fanout.MessageNew(ctx, view, id.UserID)

	client.sendEvent(EventMessageSent, MessageSentData{
		MessageID:      view.ID,
		ConversationID: view.ConversationID,
		Timestamp:      view.CreatedAt,
	})

	// A send supersedes any typing indicator.
	if err := h.presence.SetTyping(ctx, view.ConversationID.String(), id.UserID, false); err != nil {
		h.log.Debug().Err(err).Msg("Failed to clear typing after send")
	}
	h.fanout.Publish(ctx, conversationTopic(view.ConversationID), EventTypingUpdate,
		TypingUpdateData{UserID: id.UserID, ConversationID: view.ConversationID, IsTyping: false}, id.UserID)
}

// handleTyping updates the typing indicator and broadcasts the change to the
// other participants.
func (h *Hub) handleTyping(ctx context.Context, client *Client, data ConversationRefData, isTyping bool) {
	id := client.Identity()

	ok, err := h.convs.IsParticipant(ctx, id.UserID, data.ConversationID)
	if err != nil || !ok {
		return
	}

	if err := h.presence.SetTyping(ctx, data.ConversationID.String(), id.UserID, isTyping); err != nil {
		h.log.Debug().Err(err).Msg("Failed to update typing state")
		return
	}
	h.fanout.Publish(ctx, conversationTopic(data.ConversationID), EventTypingUpdate,
		TypingUpdateData{UserID: id.UserID, ConversationID: data.ConversationID, IsTyping: isTyping}, id.UserID)
}

// handleMessagesRead advances the read watermark and notifies the other
// participants.
func (h *Hub) handleMessagesRead(ctx context.Context, client *Client, data ConversationRefData) {
	id := client.Identity()

	readAt, err := h.chat.MarkAsRead(ctx, id.UserID, data.ConversationID)
	if err != nil {
		return
	}
	h.fanout.Publish(ctx, conversationTopic(data.ConversationID), EventMessagesRead,
		MessagesReadData{UserID: id.UserID, ConversationID: data.ConversationID, ReadAt: readAt}, id.UserID)
}

// handleConversationJoin subscribes the client to a conversation topic after
// a participant check.
func (h *Hub) handleConversationJoin(ctx context.Context, client *Client, data ConversationRefData) {
	id := client.Identity()

	ok, err := h.convs.IsParticipant(ctx, id.UserID, data.ConversationID)
	if err != nil {
		client.sendEvent(EventConversationError, ConversationAckData{
			ConversationID: data.ConversationID, Error: "internal error",
		})
		return
	}
	if !ok {
		client.sendEvent(EventConversationError, ConversationAckData{
			ConversationID: data.ConversationID, Error: "not a participant",
		})
		return
	}

	if err := h.joinTopic(ctx, client, conversationTopic(data.ConversationID)); err != nil {
		client.sendEvent(EventConversationError, ConversationAckData{
			ConversationID: data.ConversationID, Error: "subscription failed",
		})
		return
	}
	client.sendEvent(EventConversationJoined, ConversationAckData{ConversationID: data.ConversationID})
}

// handleConversationLeave drops the local subscription only; membership in
// the store is untouched.
func (h *Hub) handleConversationLeave(ctx context.Context, client *Client, data ConversationRefData) {
	h.leaveTopic(ctx, client, conversationTopic(data.ConversationID))
	client.sendEvent(EventConversationLeft, ConversationAckData{ConversationID: data.ConversationID})
}

// handlePresenceGet answers with the online users in the client's tenant
// context.
func (h *Hub) handlePresenceGet(ctx context.Context, client *Client) {
	id := client.Identity()

	online, err := h.presence.OnlineUsers(ctx, id.TenantID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to list online users")
		return
	}
	client.sendEvent(EventPresenceList, PresenceListData{TenantID: id.TenantID, OnlineUsers: online})
}

// errorMessage extracts the human-readable message for *:error events.
func errorMessage(err error) string {
	if ae := apperrors.AsError(err); ae != nil {
		return ae.Message
	}
	return "internal error"
}
