package protocol

import "time"

// EventFrame is the JSON envelope pushed to WebSocket subscribers for every
// telemetry event. Payload keys are event-specific and kept flat so the
// `conductor events` tail can render them as columns.
type EventFrame struct {
	Event   string         `json:"event"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps a frame with the current time.
func NewEvent(name string, payload map[string]any) *EventFrame {
	return &EventFrame{Event: name, Time: time.Now(), Payload: payload}
}
