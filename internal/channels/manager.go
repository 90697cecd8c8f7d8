package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/al-how/claude-conductor/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// StartAll starts the outbound dispatch loop and all registered channels.
// A channel that fails to start is logged and skipped so one bad token
// does not take down the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Debug("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Debug("outbound dispatcher stopped")
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"error", err,
			)
		}
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// Status returns the running state of every registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// SendToChannel delivers a message directly to a named channel, bypassing
// the bus. Used by the cron chat sink.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	return channel.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
