package events

import (
	"encoding/json"
	"fmt"
)

// WireEvent is the JSON shape events take when they leave the process.
type WireEvent struct {
	Seq     uint64          `json:"seq"`
	Dropped int             `json:"dropped,omitempty"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// Encode marshals an envelope into its wire JSON form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s event: %w", env.Event.EventType(), err)
	}

	return json.Marshal(WireEvent{
		Seq:     env.Seq,
		Dropped: env.Dropped,
		Type:    env.Event.EventType(),
		Topic:   env.Event.Topic(),
		Data:    data,
	})
}
