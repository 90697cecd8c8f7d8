package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/al-how/claude-conductor/internal/channels"
)

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Skip service messages (member added/removed, title changed, etc.).
	// These have no text, caption, or media content.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist",
			"user_id", userID, "username", user.Username,
		)
		return
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	// In groups only respond when the bot is mentioned or replied to.
	if isGroup && !c.detectMention(message, c.bot.Username()) {
		return
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)

	// Extract text content
	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	// Commands the channel can answer without the agent.
	if handled := c.handleBotCommand(ctx, chatID, content); handled {
		return
	}

	files := c.resolveAttachments(ctx, message)
	replyQuote := quoteText(message.ReplyToMessage)

	if content == "" && len(files) == 0 {
		return
	}

	slog.Debug("telegram message received",
		"sender_id", senderID,
		"chat_id", chatIDStr,
		"is_group", isGroup,
		"preview", channels.Truncate(content, 50),
	)

	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"user_id":    userID,
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", isGroup),
	}

	c.HandleMessage(senderID, chatIDStr, content, replyQuote, files, metadata)
}

// detectMention checks if a Telegram message mentions the bot, either by
// @username in the text/caption or by replying to one of its messages.
func (c *Channel) detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	mention := "@" + strings.ToLower(botUsername)

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), mention) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), mention) {
		return true
	}

	// Reply to bot's message = implicit mention
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		if strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
			return true
		}
	}

	return false
}

// quoteText extracts the quotable text of a replied-to message.
func quoteText(reply *telego.Message) string {
	if reply == nil {
		return ""
	}
	if reply.Text != "" {
		return reply.Text
	}
	return reply.Caption
}

// isServiceMessage returns true if the Telegram message is a service/system
// message (member added/removed, title changed, pinned, etc.) rather than a
// user-sent message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Document != nil || msg.Voice != nil ||
		msg.Audio != nil || msg.Video != nil || msg.Sticker != nil {
		return false
	}
	return true
}
