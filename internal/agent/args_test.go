package agent

import "testing"

func TestBuildArgsBasic(t *testing.T) {
	task := &Task{Prompt: "hello"}
	args := buildArgs(task)

	expected := []string{"-p", "hello", "--output-format", "text"}
	if len(args) != len(expected) {
		t.Fatalf("len(args) = %d, want %d; args = %v", len(args), len(expected), args)
	}
	for i, a := range args {
		if a != expected[i] {
			t.Errorf("args[%d] = %q, want %q", i, a, expected[i])
		}
	}
}

func TestBuildArgsStreamJSONAddsVerbose(t *testing.T) {
	task := &Task{Prompt: "hi", OutputFormat: "stream-json"}
	args := buildArgs(task)

	assertContainsFlag(t, args, "--output-format", "stream-json")
	found := false
	for _, a := range args {
		if a == "--verbose" {
			found = true
		}
	}
	if !found {
		t.Errorf("--verbose missing for stream-json: %v", args)
	}
}

func TestBuildArgsAllOptions(t *testing.T) {
	task := &Task{
		Prompt:                     "do the thing",
		SessionID:                  "sess-123",
		Resume:                     "old-sess",
		ContinueSession:            true,
		ForkSession:                true,
		DangerouslySkipPermissions: true,
		NoSessionPersistence:       true,
		AllowedTools:               []string{"Read", "Glob", "Grep"},
		AppendSystemPrompt:         "be terse",
		Model:                      "claude-sonnet-4-5-20250929",
		MaxTurns:                   25,
		OutputFormat:               "stream-json",
	}
	args := buildArgs(task)

	assertContainsFlag(t, args, "-p", "do the thing")
	assertContainsFlag(t, args, "--session-id", "sess-123")
	assertContainsFlag(t, args, "--resume", "old-sess")
	assertContainsFlag(t, args, "--append-system-prompt", "be terse")
	assertContainsFlag(t, args, "--model", "claude-sonnet-4-5-20250929")
	assertContainsFlag(t, args, "--max-turns", "25")

	for _, flag := range []string{"--continue", "--fork-session", "--dangerously-skip-permissions", "--no-session-persistence"} {
		found := false
		for _, a := range args {
			if a == flag {
				found = true
			}
		}
		if !found {
			t.Errorf("flag %s not found in args: %v", flag, args)
		}
	}

	// tool list follows --allowedTools directly
	assertContainsFlag(t, args, "--allowedTools", "Read")
	for i, a := range args {
		if a == "--allowedTools" {
			if args[i+2] != "Glob" || args[i+3] != "Grep" {
				t.Errorf("allowed tool list broken around index %d: %v", i, args)
			}
		}
	}
}

func TestBuildArgsOmitsUnsetFlags(t *testing.T) {
	task := &Task{Prompt: "p"}
	args := buildArgs(task)
	for _, forbidden := range []string{"--model", "--max-turns", "--session-id", "--allowedTools", "--verbose", "--dangerously-skip-permissions"} {
		for _, a := range args {
			if a == forbidden {
				t.Errorf("%s should not be present for a bare task", forbidden)
			}
		}
	}
}

func TestBuildArgsDeterministic(t *testing.T) {
	task := &Task{Prompt: "same", Model: "opus", MaxTurns: 3, AllowedTools: []string{"Read"}}
	a := buildArgs(task)
	b := buildArgs(task)
	if len(a) != len(b) {
		t.Fatalf("arg lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("args[%d] differs: %q vs %q", i, a[i], b[i])
		}
	}
}

// assertContainsFlag checks that args contains flag followed by value.
func assertContainsFlag(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i, a := range args {
		if a == flag {
			if i+1 < len(args) && args[i+1] == value {
				return
			}
			t.Errorf("flag %s found but value = %q, want %q", flag, args[i+1], value)
			return
		}
	}
	t.Errorf("flag %s not found in args: %v", flag, args)
}
