package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/al-how/claude-conductor/internal/agent"
	"github.com/al-how/claude-conductor/internal/store"
)

// executeJob runs one fire of a job. CLI jobs are enqueued into the
// dispatcher; api jobs call the Messages API inline on the caller's
// goroutine, so fires of the same job never overlap.
func (s *Scheduler) executeJob(job store.CronJob) {
	switch job.ExecutionMode {
	case "", "cli":
		s.executeCLI(job)
	case "api":
		s.executeAPI(job)
	default:
		slog.Warn("unknown execution mode, running as cli",
			"job", job.Name, "mode", job.ExecutionMode)
		s.executeCLI(job)
	}
}

func (s *Scheduler) executeCLI(job store.CronJob) {
	cfg := s.config()
	started := time.Now()

	task := &agent.Task{
		ID:                   uuid.NewString(),
		Source:               "cron",
		Prompt:               s.enrichPrompt(job),
		WorkingDir:           cfg.VaultPath,
		Timeout:              cfg.TaskTimeout,
		OutputFormat:         "stream-json",
		AllowedTools:         jobTools(job),
		MaxTurns:             job.MaxTurns,
		NoSessionPersistence: true,
		Logger:               slog.With("job", job.Name),
		OnComplete: func(res *agent.Result) {
			s.finishRun(job, started, res, nil)
		},
		OnError: func(err error) {
			s.finishRun(job, started, nil, err)
		},
	}
	if choice := resolveModel(job, cfg, false); choice != nil {
		task.Model = choice.Model
		if choice.Provider == "ollama" && cfg.OllamaBaseURL != "" {
			task.ProviderEnv = map[string]string{"ANTHROPIC_BASE_URL": cfg.OllamaBaseURL}
		}
	}

	if err := s.dispatcher.Enqueue(task); err != nil {
		s.finishRun(job, started, nil, fmt.Errorf("enqueue: %w", err))
	}
}

func (s *Scheduler) executeAPI(job store.CronJob) {
	cfg := s.config()
	if cfg.APIInvoker == nil {
		slog.Warn("api execution mode without an api key, running as cli", "job", job.Name)
		s.executeCLI(job)
		return
	}
	started := time.Now()

	task := &agent.Task{
		ID:       uuid.NewString(),
		Source:   "cron",
		Prompt:   s.enrichPrompt(job),
		Timeout:  cfg.TaskTimeout,
		MaxTurns: job.MaxTurns,
		Logger:   slog.With("job", job.Name),
	}
	if choice := resolveModel(job, cfg, true); choice != nil {
		task.Model = choice.Model
	}

	res, err := cfg.APIInvoker.Invoke(context.Background(), task)
	s.finishRun(job, started, res, err)
}

// enrichPrompt appends the job's deduplication context to its prompt so the
// agent can avoid repeating previous results.
func (s *Scheduler) enrichPrompt(job store.CronJob) string {
	return job.Prompt + s.history.ReadContext(job.Name)
}

// resolveModel applies the precedence job model → api default (api mode
// only) → global model.
func resolveModel(job store.CronJob, cfg Config, apiMode bool) *agent.ModelChoice {
	raw := job.Model
	if raw == "" && apiMode {
		raw = cfg.APIDefaultModel
	}
	if raw == "" {
		raw = cfg.GlobalModel
	}
	return agent.ResolveModel(raw)
}

func jobTools(job store.CronJob) []string {
	if len(job.AllowedTools) > 0 {
		return job.AllowedTools
	}
	return cliAllowedTools
}

// finishRun settles one fire: the execution row is written first, history
// is appended on success only, then the response is routed to the job's
// output destination.
func (s *Scheduler) finishRun(job store.CronJob, started time.Time, res *agent.Result, runErr error) {
	ctx := context.Background()
	text := agent.ExtractResponseText(res)
	success := runErr == nil && res != nil && !res.TimedOut && res.ExitCode == 0

	exec := &store.Execution{
		JobName:           job.Name,
		StartedAt:         started,
		FinishedAt:        time.Now(),
		OutputDestination: job.Output,
	}
	if runErr != nil {
		code := -1
		exec.ExitCode = &code
		exec.Error = runErr.Error()
	} else {
		code := res.ExitCode
		exec.ExitCode = &code
		exec.TimedOut = res.TimedOut
		exec.CostUSD = res.CostUSD
		exec.ResponsePreview = agent.Truncate(text, 500)
		if res.ExitCode != 0 && res.Stderr != "" {
			exec.Error = agent.Truncate(res.Stderr, 500)
		}
	}
	if err := s.store.LogExecution(ctx, exec); err != nil {
		slog.Error("recording execution failed", "job", job.Name, "error", err)
	}

	if runErr != nil {
		slog.Error("cron job failed", "job", job.Name, "error", runErr)
		if s.chatSink != nil {
			notice := fmt.Sprintf("[%s] failed: %v", job.Name, runErr)
			if err := s.chatSink(notice); err != nil {
				slog.Error("chat delivery failed", "job", job.Name, "error", err)
			}
		}
		return
	}

	if success {
		if err := s.history.AppendEntry(job.Name, text); err != nil {
			slog.Warn("history append failed", "job", job.Name, "error", err)
		}
	}

	s.route(job, text)
}

// route delivers the response text to the job's declared sink. webhook is
// reserved and falls back to log, as does telegram without a chat sink.
func (s *Scheduler) route(job store.CronJob, text string) {
	switch job.Output {
	case "telegram":
		if s.chatSink == nil {
			slog.Warn("telegram output without a chat sink, logging instead", "job", job.Name)
			slog.Info("cron job output", "name", job.Name, "output", text)
			return
		}
		if err := s.chatSink("[" + job.Name + "]\n\n" + text); err != nil {
			slog.Error("chat delivery failed", "job", job.Name, "error", err)
		}
	case "silent":
	default: // log, webhook (reserved), unknown
		slog.Info("cron job output", "name", job.Name, "output", text)
	}
}
