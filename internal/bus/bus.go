// Package bus provides the in-process message and event plumbing between
// chat channels, the consumer loop, and telemetry subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const (
	inboundBuffer  = 256
	outboundBuffer = 256
)

// MessageBus carries chat messages between channels and the consumer loop
// and fans telemetry events out to subscribers. Queues are bounded so a
// stalled consumer cannot block channel polling.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates a MessageBus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, inboundBuffer),
		outbound:    make(chan OutboundMessage, outboundBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound queues a message received from a channel.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return value is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is
// done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under the given id, replacing any
// previous handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to every subscriber. Handlers run on the
// caller's goroutine and must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
