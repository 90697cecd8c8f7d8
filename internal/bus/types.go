package bus

import "context"

// InboundMessage represents a message received from a chat channel
// (Telegram, Discord).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	ReplyQuote string            `json:"reply_quote,omitempty"` // quoted text when the user replied to a message
	Files      []string          `json:"files,omitempty"`       // local paths of downloaded attachments
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a chat channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is a telemetry event broadcast to subscribers (log formatter,
// WebSocket feed).
type Event struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the dispatcher to decouple from the
// concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the consumer loop.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
