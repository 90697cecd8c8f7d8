package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// handleBotCommand intercepts commands the channel answers locally.
// Conversation commands (/clear, /model) pass through to the consumer loop,
// which owns the conversation store and model overrides.
// Returns true if the message was handled as a command.
func (c *Channel) handleBotCommand(ctx context.Context, chatID int64, text string) bool {
	if len(text) == 0 || text[0] != '/' {
		return false
	}

	// Extract command (strip @botname suffix if present)
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	cmd = strings.ToLower(cmd)

	chatIDObj := tu.ID(chatID)

	switch cmd {
	case "/start":
		welcome := "Hi! Send me a message and I'll pass it to the agent.\n" +
			"Use /help to see available commands."
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, welcome))
		return true

	case "/help":
		helpText := "Available commands:\n" +
			"/start - Start chatting with the bot\n" +
			"/help - Show this help message\n" +
			"/status - Show bot status\n" +
			"/clear - Clear conversation history\n" +
			"/model - Show or switch the model (/model <alias> [prompt])\n" +
			"\nJust send a message to chat with the agent."
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, helpText))
		return true

	case "/status":
		statusText := fmt.Sprintf("Bot status: Running\nChannel: Telegram\nBot: @%s", c.bot.Username())
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, statusText))
		return true
	}

	return false
}

// SyncMenuCommands registers bot commands with Telegram via setMyCommands.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		return fmt.Errorf("delete existing commands: %w", err)
	}

	if len(commands) == 0 {
		return nil
	}

	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
	})
}

// DefaultMenuCommands returns the default bot menu commands.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "start", Description: "Start chatting with the bot"},
		{Command: "help", Description: "Show available commands"},
		{Command: "status", Description: "Show bot status"},
		{Command: "clear", Description: "Clear conversation history"},
		{Command: "model", Description: "Show or switch the model"},
	}
}
