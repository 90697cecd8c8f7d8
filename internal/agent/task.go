// Package agent invokes the external coding agent, either as a child
// process parsing its streaming JSON output, or through the Anthropic
// Messages API. Both backends produce the same Result shape so callers
// extract response text uniformly.
package agent

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTimeout bounds one agent invocation when the task sets none.
const DefaultTimeout = 300 * time.Second

// Task is one unit of work flowing through the dispatcher. It lives only
// inside the queue and the invoker; it is never persisted.
type Task struct {
	ID     string
	Source string // telegram|cron|webhook
	Prompt string

	WorkingDir   string
	Timeout      time.Duration // 0 = DefaultTimeout
	OutputFormat string        // text|json|stream-json ("" = text)
	Model        string
	AllowedTools []string
	MaxTurns     int

	SessionID                  string
	Resume                     string // session id to resume
	ContinueSession            bool
	ForkSession                bool
	NoSessionPersistence       bool
	DangerouslySkipPermissions bool
	AppendSystemPrompt         string

	// ProviderEnv overlays extra environment variables on the child
	// (e.g. the ollama base URL for local models).
	ProviderEnv map[string]string

	// Invoker overrides the dispatcher's default backend when set.
	Invoker Invoker

	OnComplete func(*Result)
	OnError    func(error)

	Logger *slog.Logger
}

// Result is the outcome of one agent invocation.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	NumTurns  int
	SessionID string
	CostUSD   *float64 // set by the API backend only
	Duration  time.Duration
}

// Invoker runs one task to completion.
type Invoker interface {
	Invoke(ctx context.Context, task *Task) (*Result, error)
}

func (t *Task) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

func (t *Task) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// PromptPreview returns the first n runes of the prompt for log lines.
func (t *Task) PromptPreview(n int) string {
	return Truncate(t.Prompt, n)
}

// Truncate shortens s to at most n runes, appending an ellipsis marker.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
