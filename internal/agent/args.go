package agent

import "strconv"

// buildArgs maps a task onto the agent CLI argument vector. The mapping is
// deterministic: same task, same argv.
func buildArgs(t *Task) []string {
	args := []string{"-p", t.Prompt}

	if t.SessionID != "" {
		args = append(args, "--session-id", t.SessionID)
	}
	if t.Resume != "" {
		args = append(args, "--resume", t.Resume)
	}
	if t.ContinueSession {
		args = append(args, "--continue")
	}
	if t.ForkSession {
		args = append(args, "--fork-session")
	}
	if t.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if t.NoSessionPersistence {
		args = append(args, "--no-session-persistence")
	}
	if len(t.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, t.AllowedTools...)
	}
	if t.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", t.AppendSystemPrompt)
	}
	if t.Model != "" {
		args = append(args, "--model", t.Model)
	}
	if t.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(t.MaxTurns))
	}

	format := t.OutputFormat
	if format == "" {
		format = "text"
	}
	args = append(args, "--output-format", format)
	if format == "stream-json" {
		args = append(args, "--verbose")
	}
	return args
}
