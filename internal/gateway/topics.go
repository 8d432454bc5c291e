package gateway

import "github.com/google/uuid"

// Topic naming. Every event travels on a user, tenant, or conversation
// topic; tenantless users share the global tenant topic so presence events
// always have somewhere to go.
func userTopic(userID string) string {
	return "user:" + userID
}

func tenantTopic(tenantID *string) string {
	if tenantID == nil || *tenantID == "" {
		return "tenant:global"
	}
	return "tenant:" + *tenantID
}

func conversationTopic(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}
