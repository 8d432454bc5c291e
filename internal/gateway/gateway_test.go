package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/bus"
	"github.com/gkeferstein/messaging-server/internal/config"
	"github.com/gkeferstein/messaging-server/internal/conversation"
	"github.com/gkeferstein/messaging-server/internal/identity"
	"github.com/gkeferstein/messaging-server/internal/presence"
)

// stubConvRepo satisfies conversation.Repository with empty results; the
// hub-level tests only need ParticipantsForUser and IsParticipant.
type stubConvRepo struct {
	participants map[string][]conversation.Participant
}

func (s *stubConvRepo) Create(context.Context, conversation.CreateParams) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}
func (s *stubConvRepo) GetByID(context.Context, uuid.UUID) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}
func (s *stubConvRepo) FindDirect(context.Context, string, string) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}
func (s *stubConvRepo) ForUser(context.Context, string, int, *time.Time) ([]conversation.Conversation, error) {
	return nil, nil
}
func (s *stubConvRepo) Participants(context.Context, uuid.UUID) ([]conversation.Participant, error) {
	return nil, nil
}
func (s *stubConvRepo) ParticipantsForConversations(context.Context, []uuid.UUID) (map[uuid.UUID][]conversation.Participant, error) {
	return map[uuid.UUID][]conversation.Participant{}, nil
}
func (s *stubConvRepo) ParticipantsForUser(_ context.Context, userID string) ([]conversation.Participant, error) {
	return s.participants[userID], nil
}
func (s *stubConvRepo) GetParticipant(context.Context, uuid.UUID, string) (*conversation.Participant, error) {
	return nil, conversation.ErrNotParticipant
}
func (s *stubConvRepo) IsParticipant(_ context.Context, userID string, conversationID uuid.UUID) (bool, error) {
	for _, p := range s.participants[userID] {
		if p.ConversationID == conversationID {
			return true, nil
		}
	}
	return false, nil
}
func (s *stubConvRepo) MarkRead(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		WSRateLimitMax:           60,
		WSRateLimitWindowSeconds: 10,
		RequestTimeout:           10 * time.Second,
		PresenceOfflineGraceMS:   40,
	}
}

func newTestHub(t *testing.T, convs *stubConvRepo) (*Hub, *bus.Memory) {
	t.Helper()
	memBus := bus.NewMemory()
	t.Cleanup(func() { _ = memBus.Close() })

	verifier, err := identity.NewVerifier(strings.Repeat("s", 32), "")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if convs == nil {
		convs = &stubConvRepo{participants: map[string][]conversation.Participant{}}
	}
	fanout := NewFanout(memBus, convs, zerolog.Nop())
	hub := NewHub(memBus, testConfig(), verifier, nil, presence.NewService(memBus), convs, fanout, zerolog.Nop())
	return hub, memBus
}

// authedClient builds a client that skipped the socket handshake; only the
// channel plumbing is exercised.
func authedClient(hub *Hub, userID string, tenantID *string) *Client {
	c := &Client{
		hub:  hub,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  zerolog.Nop(),
	}
	c.setIdentity(identity.Identity{UserID: userID, TenantID: tenantID})
	return c
}

func strPtr(s string) *string { return &s }

func drainFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("frame unmarshal error = %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return Frame{}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := NewFrame(EventMessageSent, MessageSentData{
		MessageID:      uuid.New(),
		ConversationID: uuid.New(),
		Timestamp:      time.Now(),
	})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if frame.Event != EventMessageSent {
		t.Errorf("event = %q, want %q", frame.Event, EventMessageSent)
	}
	var data MessageSentData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
}

func TestTopicNames(t *testing.T) {
	t.Parallel()

	if got := userTopic("u1"); got != "user:u1" {
		t.Errorf("userTopic = %q", got)
	}
	if got := tenantTopic(strPtr("t1")); got != "tenant:t1" {
		t.Errorf("tenantTopic = %q", got)
	}
	if got := tenantTopic(nil); got != "tenant:global" {
		t.Errorf("tenantTopic(nil) = %q", got)
	}
	id := uuid.New()
	if got := conversationTopic(id); got != "conversation:"+id.String() {
		t.Errorf("conversationTopic = %q", got)
	}
}

func TestJoinLeaveTopicRefcount(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(t, nil)
	ctx := context.Background()

	a := authedClient(hub, "u1", nil)
	b := authedClient(hub, "u2", nil)

	if err := hub.joinTopic(ctx, a, "conversation:c1"); err != nil {
		t.Fatalf("joinTopic() error = %v", err)
	}
	if err := hub.joinTopic(ctx, b, "conversation:c1"); err != nil {
		t.Fatalf("joinTopic() error = %v", err)
	}
	if got := hub.localMembers("conversation:c1"); got != 2 {
		t.Errorf("localMembers = %d, want 2", got)
	}

	hub.leaveTopic(ctx, a, "conversation:c1")
	if got := hub.localMembers("conversation:c1"); got != 1 {
		t.Errorf("localMembers = %d after one leave, want 1", got)
	}
	hub.leaveTopic(ctx, b, "conversation:c1")
	if got := hub.localMembers("conversation:c1"); got != 0 {
		t.Errorf("localMembers = %d after both left, want 0", got)
	}
}

func TestDispatchDeliversToTopicMembers(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(t, nil)
	ctx := context.Background()

	member := authedClient(hub, "u1", nil)
	outsider := authedClient(hub, "u2", nil)
	if err := hub.joinTopic(ctx, member, "conversation:c1"); err != nil {
		t.Fatalf("joinTopic() error = %v", err)
	}
	if err := hub.joinTopic(ctx, outsider, "conversation:c2"); err != nil {
		t.Fatalf("joinTopic() error = %v", err)
	}

	payload, _ := json.Marshal(envelope{Event: EventMessageNew, Data: json.RawMessage(`{"x":1}`)})
	hub.dispatch(bus.Message{Topic: "conversation:c1", Payload: payload})

	frame := drainFrame(t, member)
	if frame.Event != EventMessageNew {
		t.Errorf("member got event %q, want %q", frame.Event, EventMessageNew)
	}
	select {
	case <-outsider.send:
		t.Error("outsider received a frame for a topic it is not in")
	default:
	}
}

func TestDispatchHonoursExclusion(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(t, nil)
	ctx := context.Background()

	sender := authedClient(hub, "u1", nil)
	other := authedClient(hub, "u2", nil)
	for _, c := range []*Client{sender, other} {
		if err := hub.joinTopic(ctx, c, "conversation:c1"); err != nil {
			t.Fatalf("joinTopic() error = %v", err)
		}
	}

	payload, _ := json.Marshal(envelope{
		Event: EventTypingUpdate, Data: json.RawMessage(`{}`), ExcludeUserID: "u1",
	})
	hub.dispatch(bus.Message{Topic: "conversation:c1", Payload: payload})

	frame := drainFrame(t, other)
	if frame.Event != EventTypingUpdate {
		t.Errorf("other got event %q, want %q", frame.Event, EventTypingUpdate)
	}
	select {
	case <-sender.send:
		t.Error("excluded sender received its own broadcast")
	default:
	}
}

func TestPublishRoundTripThroughBus(t *testing.T) {
	t.Parallel()

	hub, memBus := newTestHub(t, nil)
	ctx := context.Background()

	if err := memBus.Subscribe(ctx, "tenant:t1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	hub.fanout.Publish(ctx, "tenant:t1", EventPresenceOnline, PresenceChangeData{UserID: "u1", TenantID: strPtr("t1")}, "")

	select {
	case msg := <-memBus.Messages():
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatalf("envelope unmarshal error = %v", err)
		}
		if env.Event != EventPresenceOnline {
			t.Errorf("event = %q, want %q", env.Event, EventPresenceOnline)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus delivery")
	}
}

func TestRegisterJoinsStandingTopics(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	convs := &stubConvRepo{participants: map[string][]conversation.Participant{
		"u1": {{ConversationID: convID, UserID: "u1"}},
	}}
	hub, _ := newTestHub(t, convs)
	ctx := context.Background()

	client := authedClient(hub, "u1", strPtr("t1"))
	if err := hub.register(ctx, client); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	for _, topic := range []string{"user:u1", "tenant:t1", "conversation:" + convID.String()} {
		if hub.localMembers(topic) != 1 {
			t.Errorf("topic %q has %d local members, want 1", topic, hub.localMembers(topic))
		}
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}

	online, err := hub.presence.IsOnline(ctx, "u1", strPtr("t1"))
	if err != nil {
		t.Fatalf("IsOnline() error = %v", err)
	}
	if !online {
		t.Error("user should be online after register")
	}
}

func TestUnregisterDebouncesOffline(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(t, nil)
	ctx := context.Background()

	client := authedClient(hub, "u1", strPtr("t1"))
	if err := hub.register(ctx, client); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	hub.unregister(client)

	// Inside the grace window the user still reads online.
	online, err := hub.presence.IsOnline(ctx, "u1", strPtr("t1"))
	if err != nil {
		t.Fatalf("IsOnline() error = %v", err)
	}
	if !online {
		t.Error("user went offline before the grace window elapsed")
	}

	// After the grace window the offline lands.
	deadline := time.Now().Add(2 * time.Second)
	for online && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		online, err = hub.presence.IsOnline(ctx, "u1", strPtr("t1"))
		if err != nil {
			t.Fatalf("IsOnline() error = %v", err)
		}
	}
	if online {
		t.Error("user still online after the grace window")
	}
}

func TestReconnectWithinGraceSuppressesFlap(t *testing.T) {
	t.Parallel()

	hub, memBus := newTestHub(t, nil)
	ctx := context.Background()

	// Observe the tenant topic directly.
	if err := memBus.Subscribe(ctx, "tenant:t1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	first := authedClient(hub, "u1", strPtr("t1"))
	if err := hub.register(ctx, first); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	// Drain the initial presence:online.
	select {
	case <-memBus.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("missing initial presence:online")
	}

	hub.unregister(first)

	second := authedClient(hub, "u1", strPtr("t1"))
	if err := hub.register(ctx, second); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	// Let the (cancelled) grace window pass, then assert no presence event
	// flowed: no offline, and no redundant online either.
	time.Sleep(150 * time.Millisecond)
	select {
	case msg := <-memBus.Messages():
		var env envelope
		_ = json.Unmarshal(msg.Payload, &env)
		t.Errorf("unexpected %q event during in-grace reconnect", env.Event)
	default:
	}

	online, err := hub.presence.IsOnline(ctx, "u1", strPtr("t1"))
	if err != nil {
		t.Fatalf("IsOnline() error = %v", err)
	}
	if !online {
		t.Error("user should remain online across an in-grace reconnect")
	}
}

func TestDisplacementKeepsNewConnection(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(t, nil)
	ctx := context.Background()

	first := authedClient(hub, "u1", nil)
	if err := hub.register(ctx, first); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	second := authedClient(hub, "u1", nil)
	if err := hub.register(ctx, second); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d after displacement, want 1", hub.ClientCount())
	}
	select {
	case <-first.done:
	default:
		t.Error("displaced connection was not shut down")
	}
}
