// Package channels connects chat platforms (Telegram, Discord) to the task
// pipeline via the message bus. Channels turn platform updates into
// bus.InboundMessage values for the consumer loop and deliver
// bus.OutboundMessage values back to the platform.
package channels

import (
	"context"
	"strings"

	"github.com/al-how/claude-conductor/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		// Strip leading "@" from allowed value for username matching
		trimmed := strings.TrimPrefix(allowed, "@")

		if senderID == allowed ||
			senderID == trimmed ||
			idPart == allowed ||
			idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}

	return false
}

// HandleMessage creates an InboundMessage and publishes it to the bus.
// This is the standard way for channels to forward received messages.
// Messages from senders outside the allowlist are dropped.
func (c *BaseChannel) HandleMessage(senderID, chatID, content, replyQuote string, files []string, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		ReplyQuote: replyQuote,
		Files:      files,
		Metadata:   metadata,
	})
}

// SplitMessage splits content into chunks of at most maxLen bytes.
// It prefers breaking at a newline in the back half of the window and
// falls back to a hard split when a single line exceeds the limit.
func SplitMessage(content string, maxLen int) []string {
	if content == "" {
		return nil
	}
	if maxLen <= 0 || len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	for len(content) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	if len(content) > 0 {
		chunks = append(chunks, content)
	}
	return chunks
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
