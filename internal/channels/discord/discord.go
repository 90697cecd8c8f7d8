// Package discord connects to the Discord gateway via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/channels"
	"github.com/al-how/claude-conductor/internal/config"
)

// maxMessageLen is the Discord limit for a single message.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string // populated on start
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord bot token is empty")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel, splitting content
// over the message limit into sequential messages.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	for _, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages and other bots
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	// In guilds only respond when the bot is @mentioned.
	if !isDM && !c.isMentioned(m) {
		return
	}

	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist",
			"user_id", senderID,
			"username", senderName,
		)
		return
	}

	content := stripMention(m.Content, c.botUserID)

	// Append attachment URLs
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	if content == "" {
		return
	}

	replyQuote := ""
	if m.ReferencedMessage != nil {
		replyQuote = m.ReferencedMessage.Content
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", channelID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 50),
	)

	_ = c.session.ChannelTyping(channelID)

	metadata := map[string]string{
		"message_id":   m.ID,
		"user_id":      senderID,
		"username":     m.Author.Username,
		"display_name": senderName,
		"guild_id":     m.GuildID,
		"is_group":     fmt.Sprintf("%t", !isDM),
	}

	c.HandleMessage(senderID, channelID, content, replyQuote, nil, metadata)
}

// isMentioned reports whether the bot appears in the message mentions.
func (c *Channel) isMentioned(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	return false
}

// stripMention removes the bot's mention tags from message content.
func stripMention(content, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(content)
	}
	for _, tag := range []string{"<@" + botUserID + ">", "<@!" + botUserID + ">"} {
		content = strings.ReplaceAll(content, tag, "")
	}
	return strings.TrimSpace(content)
}

// resolveDisplayName returns the best available display name for a Discord
// message author. Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
