package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire-format structure for all transport messages in both
// directions: a named event with an opaque JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame serialises an event frame with the given payload.
func NewFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = encoded
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
