package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/pkg/protocol"
)

// streamEvent is one line of `--output-format stream-json` output.
type streamEvent struct {
	Type      string         `json:"type"` // system|assistant|user|result
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *streamMessage `json:"message,omitempty"`
	// result event payload
	Result   *string `json:"result,omitempty"`
	Text     *string `json:"text,omitempty"`
	NumTurns int     `json:"num_turns,omitempty"`
}

type streamMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"` // text|tool_use|tool_result
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// streamState is the only mutable state of stream parsing: the first
// session id seen, the final result payload, and the turn count.
type streamState struct {
	sessionID string
	result    *streamEvent
	numTurns  int
}

// foldEvent merges one parsed event into the state. Pure function: the
// input state is returned updated, I/O happens in the scanning adapter.
func foldEvent(state streamState, ev streamEvent) streamState {
	if state.sessionID == "" && ev.SessionID != "" {
		state.sessionID = ev.SessionID
	}
	if ev.Type == "result" {
		evCopy := ev
		state.result = &evCopy
		state.numTurns = ev.NumTurns
	}
	return state
}

// synthesize renders the captured result payload as the canonical JSON
// consumed by ExtractResponseText. Absent fields are omitted. Returns ""
// when no result event arrived.
func (s streamState) synthesize() string {
	if s.result == nil {
		return ""
	}
	out := map[string]any{"type": s.result.Type}
	if s.result.Result != nil {
		out["result"] = *s.result.Result
	}
	if s.result.Text != nil {
		out["text"] = *s.result.Text
	}
	if s.result.Subtype != "" {
		out["subtype"] = s.result.Subtype
	}
	if s.result.NumTurns > 0 {
		out["num_turns"] = s.result.NumTurns
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// toolArgKeys are checked in order when summarizing a tool call for logs.
var toolArgKeys = []string{"file_path", "pattern", "command", "query", "url", "description"}

// extractToolArg pulls the most descriptive argument out of a tool_use
// input for one-line logging.
func extractToolArg(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	for _, key := range toolArgKeys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// scanStream consumes the child's stdout line by line, folding events into
// the returned state and emitting tool/text telemetry as it goes.
// Malformed lines are skipped.
func scanStream(r io.Reader, taskID string, log *slog.Logger, events bus.EventPublisher) streamState {
	var state streamState

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		state = foldEvent(state, ev)
		publishBlocks(ev, taskID, log, events)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("agent stream read error", "task_id", taskID, "error", err)
	}
	return state
}

// publishBlocks surfaces assistant and tool activity from one stream event
// as logs and telemetry.
func publishBlocks(ev streamEvent, taskID string, log *slog.Logger, events bus.EventPublisher) {
	if ev.Message == nil {
		return
	}
	broadcast := func(name string, payload map[string]any) {
		if events == nil {
			return
		}
		payload["task_id"] = taskID
		events.Broadcast(bus.Event{Name: name, Payload: payload})
	}

	switch ev.Type {
	case "assistant":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "tool_use":
				arg := extractToolArg(block.Input)
				log.Info("tool use", "task_id", taskID, "tool", block.Name, "arg", Truncate(arg, 120))
				broadcast(protocol.EventToolUse, map[string]any{"tool": block.Name, "arg": arg})
			case "text":
				if block.Text == "" {
					continue
				}
				log.Debug("assistant text", "task_id", taskID, "preview", Truncate(block.Text, 120))
				broadcast(protocol.EventAssistantText, map[string]any{"preview": Truncate(block.Text, 200)})
			}
		}
	case "user":
		for _, block := range ev.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			content := string(block.Content)
			log.Debug("tool result", "task_id", taskID, "bytes", len(content), "preview", Truncate(content, 120))
			broadcast(protocol.EventToolResult, map[string]any{"bytes": len(content), "preview": Truncate(content, 200)})
		}
	}
}
