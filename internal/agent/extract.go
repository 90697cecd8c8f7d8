package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// resultPayload is the canonical shape synthesized by the stream fold and
// emitted by `--output-format json`.
type resultPayload struct {
	Type     string  `json:"type"`
	Subtype  string  `json:"subtype"`
	Result   *string `json:"result"`
	Text     *string `json:"text"`
	NumTurns int     `json:"num_turns"`
}

// ExtractResponseText turns any Result into user-facing text. Total: every
// (exitCode, stdout, stderr, timedOut) combination yields a non-empty string.
func ExtractResponseText(res *Result) string {
	if res == nil {
		return "(empty response)"
	}
	if res.TimedOut {
		return "Claude Code timed out."
	}
	if res.ExitCode != 0 {
		stderr := res.Stderr
		if len(stderr) > 500 {
			stderr = stderr[:500]
		}
		return fmt.Sprintf("Claude Code exited with code %d.\n\n%s", res.ExitCode, stderr)
	}

	var payload resultPayload
	if err := json.Unmarshal([]byte(res.Stdout), &payload); err == nil {
		if payload.Result != nil && *payload.Result != "" {
			return *payload.Result
		}
		if payload.Text != nil && *payload.Text != "" {
			return *payload.Text
		}
		if payload.Subtype == "error_max_turns" {
			return fmt.Sprintf("Claude Code stopped after hitting the maximum of %d turns without a final response.", payload.NumTurns)
		}
		if payload.Type == "result" {
			subtype := payload.Subtype
			if subtype == "" {
				subtype = "unknown"
			}
			return fmt.Sprintf("Claude Code finished without a response (%s).", subtype)
		}
	}

	if out := strings.TrimSpace(res.Stdout); out != "" {
		return out
	}
	return "(empty response)"
}
