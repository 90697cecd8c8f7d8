// Package protocol defines the stable event names and wire frames shared
// between the conductor service, its log formatter, and WebSocket consumers.
package protocol

// Task lifecycle events emitted by the dispatcher.
const (
	EventSessionQueued   = "session_queued"
	EventSessionStart    = "session_start"
	EventSessionComplete = "session_complete"
	EventSessionFailed   = "session_failed"
	EventSessionTimeout  = "session_timeout"
)

// Scheduler events.
const (
	EventCronTriggered = "cron_triggered"
	EventCronScheduled = "cron_scheduled"
)

// Agent stream events surfaced while a child process runs.
const (
	EventToolUse       = "tool_use"
	EventToolResult    = "tool_result"
	EventAssistantText = "assistant_text"
	EventResponseReady = "response_ready"
	EventAutoContinue  = "auto_continue"
)

// Service lifecycle and chat events.
const (
	EventMessageReceived = "message_received"
	EventStartup         = "startup"
	EventShutdown        = "shutdown"
)
