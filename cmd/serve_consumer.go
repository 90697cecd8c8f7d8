package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/al-how/claude-conductor/internal/agent"
	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/config"
	"github.com/al-how/claude-conductor/internal/dispatch"
	"github.com/al-how/claude-conductor/internal/store"
	"github.com/al-how/claude-conductor/pkg/protocol"
)

// conversationContextLimit is how many stored turns get replayed into the
// prompt of the next message.
const conversationContextLimit = 20

// consumer drains inbound chat messages from the bus, wraps each one with
// its conversation context, and enqueues an agent task. The response comes
// back through the task callback and is published outbound; the channel
// chunks it to its own message-size limit.
//
// Per-chat model overrides (/model) live here in memory and last until the
// process exits.
type consumer struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	bus        *bus.MessageBus
	cfg        *config.Config

	mu     sync.Mutex
	sticky map[int64]string // chat id -> model override
}

func newConsumer(st *store.Store, d *dispatch.Dispatcher, msgBus *bus.MessageBus, cfg *config.Config) *consumer {
	return &consumer{
		store:      st,
		dispatcher: d,
		bus:        msgBus,
		cfg:        cfg,
		sticky:     make(map[int64]string),
	}
}

// Run consumes inbound messages until ctx is cancelled.
func (c *consumer) Run(ctx context.Context) {
	slog.Info("message consumer started")
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("message consumer stopped")
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *consumer) handle(ctx context.Context, msg bus.InboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		slog.Warn("dropping message with non-numeric chat id",
			"channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}

	c.bus.Broadcast(bus.Event{Name: protocol.EventMessageReceived, Payload: map[string]any{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"preview": agent.Truncate(msg.Content, 80),
	}})

	if c.handleCommand(ctx, msg, chatID) {
		return
	}

	c.process(ctx, msg, chatID, "")
}

// handleCommand intercepts the conversation commands. Unknown slash commands
// fall through to the agent as regular text.
func (c *consumer) handleCommand(ctx context.Context, msg bus.InboundMessage, chatID int64) bool {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return false
	}

	parts := strings.SplitN(text, " ", 2)
	command := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	args := ""
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}

	switch command {
	case "/clear":
		if err := c.store.ClearConversation(ctx, chatID); err != nil {
			slog.Error("clear conversation failed", "chat_id", chatID, "error", err)
			c.reply(msg, "Could not clear the conversation, please try again.")
		} else {
			c.reply(msg, "Conversation history cleared.")
		}
		return true

	case "/model":
		c.handleModelCommand(ctx, msg, chatID, args)
		return true
	}

	return false
}

// handleModelCommand implements /model:
//
//	/model                  report the effective model for this chat
//	/model default|reset    drop the chat override
//	/model <name>           set an override that sticks for this chat
//	/model <name> <prompt>  run one prompt with <name>, override untouched
func (c *consumer) handleModelCommand(ctx context.Context, msg bus.InboundMessage, chatID int64, args string) {
	if args == "" {
		c.reply(msg, "Current model: "+c.effectiveModel(chatID))
		return
	}

	name, prompt, _ := strings.Cut(args, " ")
	prompt = strings.TrimSpace(prompt)

	switch strings.ToLower(name) {
	case "default", "reset":
		c.mu.Lock()
		delete(c.sticky, chatID)
		c.mu.Unlock()
		c.reply(msg, "Model reset to default ("+c.cfg.GlobalModel()+").")
		return
	}

	if prompt == "" {
		c.mu.Lock()
		c.sticky[chatID] = name
		c.mu.Unlock()
		c.reply(msg, "Model set to "+name+" for this chat.")
		return
	}

	// One-shot: run the trailing prompt with the named model, leaving any
	// sticky override as it was.
	oneShot := msg
	oneShot.Content = prompt
	c.process(ctx, oneShot, chatID, name)
}

// effectiveModel returns the sticky override for a chat, or the global
// default when there is none.
func (c *consumer) effectiveModel(chatID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.sticky[chatID]; ok {
		return m
	}
	return c.cfg.GlobalModel()
}

// process stores the user turn, builds the contextual prompt, and enqueues
// the agent task. modelOverride is set for /model one-shots.
func (c *consumer) process(ctx context.Context, msg bus.InboundMessage, chatID int64, modelOverride string) {
	text := strings.TrimSpace(msg.Content)
	if text == "" && len(msg.Files) == 0 {
		return
	}

	saved := true
	if err := c.store.SaveMessage(ctx, chatID, "user", text); err != nil {
		slog.Error("save user message failed", "chat_id", chatID, "error", err)
		saved = false
	}

	prompt := c.buildPrompt(ctx, msg, chatID, text, saved)

	model := modelOverride
	if model == "" {
		model = c.effectiveModel(chatID)
	}

	task := &agent.Task{
		ID:                         uuid.NewString(),
		Source:                     msg.Channel,
		Prompt:                     prompt,
		WorkingDir:                 c.cfg.VaultPath(),
		Timeout:                    time.Duration(c.cfg.TimeoutSec()) * time.Second,
		OutputFormat:               "stream-json",
		DangerouslySkipPermissions: true,
		Logger:                     slog.With("channel", msg.Channel, "chat_id", chatID),
		OnComplete: func(res *agent.Result) {
			c.deliver(msg, chatID, res)
		},
		OnError: func(err error) {
			slog.Error("agent task failed", "chat_id", chatID, "error", err)
			c.reply(msg, "Agent error: "+err.Error())
		},
	}

	if choice := agent.ResolveModel(model); choice != nil {
		task.Model = choice.Model
		if choice.Provider == "ollama" && c.cfg.OllamaBaseURL() != "" {
			task.ProviderEnv = map[string]string{"ANTHROPIC_BASE_URL": c.cfg.OllamaBaseURL()}
		}
	}

	if err := c.dispatcher.Enqueue(task); err != nil {
		slog.Warn("enqueue chat task failed", "chat_id", chatID, "error", err)
		c.reply(msg, "The agent queue is full right now, please try again shortly.")
	}
}

// buildPrompt renders the full agent prompt: reply-quote block, attachment
// block, stored conversation context, then the new message as the final
// Human turn. dropLast excludes the turn process just inserted.
func (c *consumer) buildPrompt(ctx context.Context, msg bus.InboundMessage, chatID int64, text string, dropLast bool) string {
	var prefix strings.Builder

	if msg.ReplyQuote != "" {
		prefix.WriteString("<reply_to>\n")
		prefix.WriteString(msg.ReplyQuote)
		prefix.WriteString("\n</reply_to>\n\n")
	}

	if len(msg.Files) > 0 {
		prefix.WriteString("Attached files:\n")
		for _, f := range msg.Files {
			prefix.WriteString("- " + f + "\n")
		}
		prefix.WriteString("\n")
	}

	history := c.conversationHistory(ctx, chatID, dropLast)
	if history == "" {
		return prefix.String() + text
	}
	return prefix.String() + history + "\n\nHuman: " + text
}

// conversationHistory renders recent stored turns as Human:/Assistant:
// blocks inside a <conversation_history> wrapper. Empty when the chat has
// no prior turns.
func (c *consumer) conversationHistory(ctx context.Context, chatID int64, dropLast bool) string {
	messages, err := c.store.RecentContext(ctx, chatID, conversationContextLimit)
	if err != nil {
		slog.Warn("load conversation context failed", "chat_id", chatID, "error", err)
		return ""
	}
	if dropLast && len(messages) > 0 {
		messages = messages[:len(messages)-1]
	}
	if len(messages) == 0 {
		return ""
	}

	blocks := make([]string, 0, len(messages))
	for _, m := range messages {
		role := "Human"
		if m.Role == "assistant" {
			role = "Assistant"
		}
		blocks = append(blocks, fmt.Sprintf("%s: %s", role, m.Content))
	}

	return "<conversation_history>\n" + strings.Join(blocks, "\n\n") + "\n</conversation_history>"
}

// deliver handles task completion: extract the response, record it as the
// assistant turn, and publish it back to the channel.
func (c *consumer) deliver(msg bus.InboundMessage, chatID int64, res *agent.Result) {
	text := agent.ExtractResponseText(res)

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.SaveMessage(saveCtx, chatID, "assistant", text); err != nil {
		slog.Error("save assistant message failed", "chat_id", chatID, "error", err)
	}

	c.reply(msg, text)
}

func (c *consumer) reply(msg bus.InboundMessage, content string) {
	c.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}
