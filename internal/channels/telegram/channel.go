// Package telegram connects to the Telegram Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/channels"
	"github.com/al-how/claude-conductor/internal/config"
)

// maxMessageLen is the Telegram Bot API limit for a single message.
const maxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	limiter    *rate.Limiter
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 1
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// PrimaryChatID returns the configured chat that scheduled job output is
// delivered to. Zero when unset.
func (c *Channel) PrimaryChatID() int64 { return c.config.PrimaryChatID }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Create a cancellable context for the polling goroutine.
	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register bot menu commands with retry.
	go func() {
		commands := DefaultMenuCommands()
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.SyncMenuCommands(pollCtx, commands); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				slog.Info("telegram menu commands synced")
				return
			}
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				} else {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Wait for the polling goroutine to fully exit so that
	// Telegram releases the getUpdates lock before a new instance starts.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Send delivers an outbound message to a Telegram chat, splitting content
// that exceeds the Bot API message limit. Sends are paced by the channel
// rate limiter.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}

	for _, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	return nil
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
