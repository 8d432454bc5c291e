package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/bus"
	"github.com/gkeferstein/messaging-server/internal/chat"
	"github.com/gkeferstein/messaging-server/internal/conversation"
)

// Fanout publishes domain events onto bus topics. It is shared by the hub
// and the HTTP surface so a message reaches connected clients the same way
// regardless of which door it came in through.
type Fanout struct {
	bus   bus.Bus
	convs conversation.Repository
	log   zerolog.Logger
}

// NewFanout creates a fanout publisher.
func NewFanout(b bus.Bus, convs conversation.Repository, logger zerolog.Logger) *Fanout {
	return &Fanout{bus: b, convs: convs, log: logger.With().Str("component", "fanout").Logger()}
}

// MessageNew publishes message:new on the conversation topic and, for each
// participant other than the sender, on their user topic. The double
// delivery covers clients with partial subscriptions; consumers dedupe by
// message id.
func (f *Fanout) MessageNew(ctx context.Context, view *chat.MessageView, senderID string) {
	f.Publish(ctx, conversationTopic(view.ConversationID), EventMessageNew, view, "")

	participants, err := f.convs.Participants(ctx, view.ConversationID)
	if err != nil {
		f.log.Warn().Err(err).Str("conversation_id", view.ConversationID.String()).
			Msg("Failed to load participants for user-topic fanout")
		return
	}
	for _, p := range participants {
		if p.UserID == senderID {
			continue
		}
		f.Publish(ctx, userTopic(p.UserID), EventMessageNew, view, "")
	}
}

// Publish wraps an event in the bus envelope and sends it to one topic.
// Publishing is best-effort: durable state lives in the store, so failures
// are logged and swallowed.
func (f *Fanout) Publish(ctx context.Context, topic, event string, data any, excludeUserID string) {
	raw, err := json.Marshal(data)
	if err != nil {
		f.log.Warn().Err(err).Str("event", event).Msg("Failed to marshal event payload")
		return
	}
	payload, err := json.Marshal(envelope{Event: event, Data: raw, ExcludeUserID: excludeUserID})
	if err != nil {
		f.log.Warn().Err(err).Str("event", event).Msg("Failed to marshal envelope")
		return
	}
	if err := f.bus.Publish(ctx, topic, payload); err != nil {
		f.log.Warn().Err(err).Str("topic", topic).Str("event", event).Msg("Bus publish failed")
	}
}
