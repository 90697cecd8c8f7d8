package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/al-how/claude-conductor/internal/bus"
)

// killGrace is how long a timed-out child gets after SIGTERM before SIGKILL.
const killGrace = 5 * time.Second

// ProcessInvoker runs the agent CLI as a child process. CLI sessions
// authenticate via OAuth, so ANTHROPIC_API_KEY is stripped from the
// child's environment; only the API backend uses the key.
type ProcessInvoker struct {
	binPath string
	events  bus.EventPublisher // optional telemetry sink
}

// NewProcessInvoker returns a process-backed invoker for the given agent
// binary. events may be nil.
func NewProcessInvoker(binPath string, events bus.EventPublisher) *ProcessInvoker {
	if binPath == "" {
		binPath = "claude"
	}
	return &ProcessInvoker{binPath: binPath, events: events}
}

// Invoke spawns the agent child and waits for it to settle. Spawn
// failures and timeouts are reported inside the Result rather than as
// errors so callers handle every outcome through one path.
func (p *ProcessInvoker) Invoke(ctx context.Context, task *Task) (*Result, error) {
	log := task.logger()

	workdir := task.WorkingDir
	if workdir != "" {
		if _, err := os.Stat(workdir); err != nil {
			log.Warn("working directory missing, falling back to cwd", "task_id", task.ID, "dir", workdir)
			workdir = ""
		}
	}
	if workdir == "" {
		workdir, _ = os.Getwd()
	}

	ctx, cancel := context.WithTimeout(ctx, task.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binPath, buildArgs(task)...)
	cmd.Dir = workdir
	cmd.Env = childEnv(task.ProviderEnv)
	// Graceful stop: SIGTERM on context end, SIGKILL if the child is
	// still alive after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	streaming := task.OutputFormat == "stream-json"
	var stdout bytes.Buffer
	var state streamState

	start := time.Now()
	if streaming {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return &Result{ExitCode: -1, Stderr: fmt.Sprintf("stdout pipe: %v", err)}, nil
		}
		if err := cmd.Start(); err != nil {
			return &Result{ExitCode: -1, Stderr: err.Error()}, nil
		}
		state = scanStream(pipe, task.ID, log, p.events)
	} else {
		cmd.Stdout = &stdout
		if err := cmd.Start(); err != nil {
			return &Result{ExitCode: -1, Stderr: err.Error()}, nil
		}
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	res := &Result{
		ExitCode: 0,
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if streaming {
		res.Stdout = state.synthesize()
		res.SessionID = state.sessionID
		res.NumTurns = state.numTurns
	} else {
		res.Stdout = stdout.String()
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
		log.Warn("agent timed out", "task_id", task.ID, "timeout", task.timeout(), "duration", elapsed)
	case ctx.Err() != nil:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = "cancelled"
		}
		log.Info("agent cancelled", "task_id", task.ID, "duration", elapsed)
	case waitErr != nil && res.ExitCode == 0:
		// Wait failed without an exit status (I/O error, signal).
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = waitErr.Error()
		}
	}

	log.Debug("agent finished",
		"task_id", task.ID,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"num_turns", res.NumTurns,
		"duration", elapsed,
	)
	return res, nil
}

// childEnv returns the parent environment with ANTHROPIC_API_KEY removed
// and the task's provider overrides applied.
func childEnv(overlay map[string]string) []string {
	raw := os.Environ()
	env := make([]string, 0, len(raw)+len(overlay))
	for _, e := range raw {
		if strings.HasPrefix(e, "ANTHROPIC_API_KEY=") {
			continue
		}
		if key, _, ok := strings.Cut(e, "="); ok {
			if _, shadowed := overlay[key]; shadowed {
				continue
			}
		}
		env = append(env, e)
	}
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}
