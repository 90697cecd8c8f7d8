package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/al-how/claude-conductor/internal/agent"
	"github.com/al-how/claude-conductor/internal/dispatch"
	"github.com/al-how/claude-conductor/internal/history"
	"github.com/al-how/claude-conductor/internal/store"
)

// recordingInvoker captures every task it runs and returns a canned result.
type recordingInvoker struct {
	mu     sync.Mutex
	tasks  []*agent.Task
	result agent.Result
	err    error
	fired  chan struct{}
}

func newRecordingInvoker(result agent.Result) *recordingInvoker {
	return &recordingInvoker{result: result, fired: make(chan struct{}, 64)}
}

func (r *recordingInvoker) Invoke(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
	if r.err != nil {
		return nil, r.err
	}
	res := r.result
	return &res, nil
}

func (r *recordingInvoker) taskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recordingInvoker) lastTask(t *testing.T) *agent.Task {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		t.Fatal("no task was invoked")
	}
	return r.tasks[len(r.tasks)-1]
}

type testEnv struct {
	store     *store.Store
	scheduler *Scheduler
	invoker   *recordingInvoker
	vault     string
}

func newTestEnv(t *testing.T, cfg Config, result agent.Result) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st := store.New(filepath.Join(dir, "test.db"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	inv := newRecordingInvoker(result)
	d := dispatch.New(dispatch.Config{QueueSize: 16}, inv, nil)
	d.Start()
	t.Cleanup(d.Stop)

	vault := filepath.Join(dir, "vault")
	if cfg.VaultPath == "" {
		cfg.VaultPath = vault
	}
	sched := New(st, d, history.NewManager(vault), nil, cfg)
	t.Cleanup(sched.Stop)

	return &testEnv{store: st, scheduler: sched, invoker: inv, vault: vault}
}

func successResult(text string, turns int) agent.Result {
	return agent.Result{
		ExitCode: 0,
		NumTurns: turns,
		Stdout: fmt.Sprintf(`{"type":"result","subtype":"success","result":%q,"num_turns":%d}`,
			text, turns),
	}
}

func mustCreateJob(t *testing.T, st *store.Store, job *store.CronJob) *store.CronJob {
	t.Helper()
	created, err := st.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("CreateJob(%s): %v", job.Name, err)
	}
	return created
}

// waitExecutions polls until at least n execution rows exist for the job.
func waitExecutions(t *testing.T, st *store.Store, jobName string, n int) []*store.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		execs, err := st.RecentExecutions(context.Background(), jobName, 50)
		if err != nil {
			t.Fatalf("RecentExecutions: %v", err)
		}
		if len(execs) >= n {
			return execs
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d execution rows for %s, want %d", len(execs), jobName, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRegistersOnlyEnabledJobs(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	mustCreateJob(t, env.store, &store.CronJob{
		Name: "on", Schedule: "0 9 * * *", Prompt: "p", Enabled: true, Output: "log",
	})
	mustCreateJob(t, env.store, &store.CronJob{
		Name: "off", Schedule: "0 9 * * *", Prompt: "p", Enabled: false, Output: "log",
	})

	if err := env.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := env.scheduler.Status()
	if _, ok := status["on"]; !ok {
		t.Error("enabled job missing from status")
	}
	if _, ok := status["off"]; ok {
		t.Error("disabled job present in status")
	}
	if len(status) != 1 {
		t.Errorf("status has %d entries, want 1", len(status))
	}
}

func TestAddJobReplacesExistingTimer(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))

	job := store.CronJob{
		Name: "daily", Schedule: "0 9 * * *", Prompt: "p",
		Enabled: true, Output: "log", Timezone: "UTC",
	}
	env.scheduler.AddJob(job)
	env.scheduler.AddJob(job)

	status := env.scheduler.Status()
	if len(status) != 1 {
		t.Fatalf("status has %d entries after double add, want 1", len(status))
	}

	env.scheduler.RemoveJob("daily")
	if len(env.scheduler.Status()) != 0 {
		t.Error("status not empty after RemoveJob")
	}
}

func TestAddJobSkipsDisabled(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	env.scheduler.AddJob(store.CronJob{
		Name: "off", Schedule: "0 9 * * *", Prompt: "p",
		Enabled: false, Output: "log", Timezone: "UTC",
	})
	if len(env.scheduler.Status()) != 0 {
		t.Error("disabled job was scheduled")
	}
}

func TestAddJobSkipsInvalidSchedule(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	env.scheduler.AddJob(store.CronJob{
		Name: "bad", Schedule: "not a cron", Prompt: "p",
		Enabled: true, Output: "log", Timezone: "UTC",
	})
	if len(env.scheduler.Status()) != 0 {
		t.Error("invalid schedule was scheduled")
	}
}

func TestAddJobSkipsUnknownTimezone(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	env.scheduler.AddJob(store.CronJob{
		Name: "tz", Schedule: "0 9 * * *", Prompt: "p",
		Enabled: true, Output: "log", Timezone: "Mars/Olympus",
	})
	if len(env.scheduler.Status()) != 0 {
		t.Error("unknown timezone was scheduled")
	}
}

func TestRemovedJobFiresNoMore(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))

	env.scheduler.AddJob(store.CronJob{
		Name: "everysec", Schedule: "* * * * * *", Prompt: "p",
		Enabled: true, Output: "silent", Timezone: "UTC", ExecutionMode: "cli",
	})
	env.scheduler.RemoveJob("everysec")

	time.Sleep(1500 * time.Millisecond)
	if n := env.invoker.taskCount(); n != 0 {
		t.Errorf("removed job fired %d times, want 0", n)
	}
}

func TestScheduledJobFiresAndPersists(t *testing.T) {
	env := newTestEnv(t, Config{GlobalModel: "sonnet"}, successResult("hi", 1))

	job := mustCreateJob(t, env.store, &store.CronJob{
		Name: "daily", Schedule: "* * * * * *", Prompt: "hello",
		Enabled: true, Output: "log", Timezone: "UTC", ExecutionMode: "cli",
	})
	env.scheduler.AddJob(*job)

	select {
	case <-env.invoker.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}
	env.scheduler.RemoveJob("daily")

	task := env.invoker.lastTask(t)
	if task.Source != "cron" {
		t.Errorf("Source = %q, want cron", task.Source)
	}
	if task.OutputFormat != "stream-json" {
		t.Errorf("OutputFormat = %q, want stream-json", task.OutputFormat)
	}
	if !task.NoSessionPersistence {
		t.Error("NoSessionPersistence = false, want true")
	}
	if task.Prompt != "hello" {
		t.Errorf("Prompt = %q, want bare prompt with empty history", task.Prompt)
	}
	wantTools := []string{"Read", "Glob", "Grep", "WebSearch", "WebFetch"}
	if len(task.AllowedTools) != len(wantTools) {
		t.Fatalf("AllowedTools = %v, want %v", task.AllowedTools, wantTools)
	}
	for i, tool := range wantTools {
		if task.AllowedTools[i] != tool {
			t.Errorf("AllowedTools[%d] = %q, want %q", i, task.AllowedTools[i], tool)
		}
	}
	if want := "claude-sonnet-4-5-20250929"; task.Model != want {
		t.Errorf("Model = %q, want %q", task.Model, want)
	}

	execs := waitExecutions(t, env.store, "daily", 1)
	exec := execs[0]
	if exec.ExitCode == nil || *exec.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", exec.ExitCode)
	}
	if exec.ResponsePreview != "hi" {
		t.Errorf("ResponsePreview = %q, want hi", exec.ResponsePreview)
	}
	if exec.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if exec.FinishedAt.Before(exec.StartedAt) {
		t.Errorf("FinishedAt %v before StartedAt %v", exec.FinishedAt, exec.StartedAt)
	}

	histPath := filepath.Join(env.vault, "agent-files", "daily-history.md")
	waitForFile(t, histPath)
	data, err := os.ReadFile(histPath)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	today := time.Now().Format("2006-01-02")
	if !strings.Contains(string(data), "## "+today+"\nhi") {
		t.Errorf("history file missing today's section, got:\n%s", data)
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("file %s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTriggerJobAbsent(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	ok, err := env.scheduler.TriggerJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if ok {
		t.Error("TriggerJob returned true for absent job")
	}
}

func TestTriggerJobRunsDisabledJob(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("manual", 1))
	mustCreateJob(t, env.store, &store.CronJob{
		Name: "paused", Schedule: "0 9 * * *", Prompt: "run me",
		Enabled: false, Output: "silent", ExecutionMode: "cli",
	})

	ok, err := env.scheduler.TriggerJob(context.Background(), "paused")
	if err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	if !ok {
		t.Fatal("TriggerJob returned false for existing job")
	}

	select {
	case <-env.invoker.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered job never ran")
	}
	if got := env.invoker.lastTask(t).Prompt; got != "run me" {
		t.Errorf("Prompt = %q, want %q", got, "run me")
	}
}

func TestEnrichPromptAppendsHistory(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	hist := history.NewManager(env.vault)
	if err := hist.AppendEntry("daily", "yesterday items"); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	got := env.scheduler.enrichPrompt(store.CronJob{Name: "daily", Prompt: "today please"})
	if !strings.HasPrefix(got, "today please") {
		t.Errorf("prompt does not start with job prompt: %q", got)
	}
	if !strings.Contains(got, "PREVIOUS RESULTS") {
		t.Errorf("prompt missing history delimiter: %q", got)
	}
	if !strings.Contains(got, "yesterday items") {
		t.Errorf("prompt missing history body: %q", got)
	}
}

func TestResolveModelPrecedence(t *testing.T) {
	cfg := Config{GlobalModel: "sonnet", APIDefaultModel: "haiku"}

	if got := resolveModel(store.CronJob{Model: "opus"}, cfg, false); got == nil || got.Model != "claude-opus-4-5-20251101" {
		t.Errorf("job model should win, got %+v", got)
	}
	if got := resolveModel(store.CronJob{}, cfg, true); got == nil || got.Model != "claude-haiku-4-5-20251001" {
		t.Errorf("api default should win in api mode, got %+v", got)
	}
	if got := resolveModel(store.CronJob{}, cfg, false); got == nil || got.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("global model should win in cli mode, got %+v", got)
	}
}

func TestUpdateConfigAppliesToNextFire(t *testing.T) {
	env := newTestEnv(t, Config{GlobalModel: "sonnet"}, successResult("ok", 1))
	mustCreateJob(t, env.store, &store.CronJob{
		Name: "swap", Schedule: "0 9 * * *", Prompt: "p",
		Enabled: false, Output: "silent", ExecutionMode: "cli",
	})

	env.scheduler.UpdateConfig(Config{GlobalModel: "opus", VaultPath: env.vault})

	ok, err := env.scheduler.TriggerJob(context.Background(), "swap")
	if err != nil || !ok {
		t.Fatalf("TriggerJob = %v, %v", ok, err)
	}
	waitExecutions(t, env.store, "swap", 1)
	if got := env.invoker.lastTask(t).Model; got != "claude-opus-4-5-20251101" {
		t.Errorf("Model = %q, want the updated global default", got)
	}
}

func TestJobAllowedToolsOverrideDefaults(t *testing.T) {
	job := store.CronJob{AllowedTools: []string{"Read"}}
	if got := jobTools(job); len(got) != 1 || got[0] != "Read" {
		t.Errorf("jobTools = %v, want [Read]", got)
	}
	if got := jobTools(store.CronJob{}); len(got) != 5 {
		t.Errorf("default tools = %v, want 5 entries", got)
	}
}

func TestOllamaModelSetsProviderEnv(t *testing.T) {
	env := newTestEnv(t, Config{OllamaBaseURL: "http://localhost:11434"}, successResult("ok", 1))
	mustCreateJob(t, env.store, &store.CronJob{
		Name: "local", Schedule: "0 9 * * *", Prompt: "p",
		Enabled: false, Output: "silent", Model: "ollama:llama3", ExecutionMode: "cli",
	})

	ok, err := env.scheduler.TriggerJob(context.Background(), "local")
	if err != nil || !ok {
		t.Fatalf("TriggerJob = %v, %v", ok, err)
	}
	select {
	case <-env.invoker.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	task := env.invoker.lastTask(t)
	if task.Model != "llama3" {
		t.Errorf("Model = %q, want llama3", task.Model)
	}
	if got := task.ProviderEnv["ANTHROPIC_BASE_URL"]; got != "http://localhost:11434" {
		t.Errorf("ProviderEnv base url = %q", got)
	}
}

func TestUnknownExecutionModeRunsCLI(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	mustCreateJob(t, env.store, &store.CronJob{
		Name: "odd", Schedule: "0 9 * * *", Prompt: "p",
		Enabled: false, Output: "silent", ExecutionMode: "cli",
	})
	// store normalizes empty mode to cli; exercise the dispatcher path with
	// an unexpected value directly.
	env.scheduler.executeJob(store.CronJob{
		Name: "odd", Prompt: "p", Output: "silent", ExecutionMode: "mystery",
	})
	select {
	case <-env.invoker.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("unknown-mode job never ran as cli")
	}
}

func TestFinishRunErrorWritesRowAndNotifies(t *testing.T) {
	env := newTestEnv(t, Config{}, agent.Result{})

	var mu sync.Mutex
	var notices []string
	env.scheduler.SetChatSink(func(text string) error {
		mu.Lock()
		notices = append(notices, text)
		mu.Unlock()
		return nil
	})

	started := time.Now().Add(-time.Second)
	job := store.CronJob{Name: "broken", Output: "telegram"}
	env.scheduler.finishRun(job, started, nil, errors.New("spawn failed"))

	execs := waitExecutions(t, env.store, "broken", 1)
	exec := execs[0]
	if exec.ExitCode == nil || *exec.ExitCode != -1 {
		t.Errorf("ExitCode = %v, want -1", exec.ExitCode)
	}
	if !strings.Contains(exec.Error, "spawn failed") {
		t.Errorf("Error = %q, want spawn failure text", exec.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 || !strings.Contains(notices[0], "spawn failed") {
		t.Errorf("notices = %v, want one failure notice", notices)
	}
}

func TestFinishRunTimeoutSkipsHistory(t *testing.T) {
	env := newTestEnv(t, Config{}, agent.Result{})

	job := store.CronJob{Name: "slow", Output: "log"}
	res := &agent.Result{ExitCode: -1, TimedOut: true}
	env.scheduler.finishRun(job, time.Now(), res, nil)

	execs := waitExecutions(t, env.store, "slow", 1)
	if !execs[0].TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if execs[0].ResponsePreview != "Claude Code timed out." {
		t.Errorf("ResponsePreview = %q", execs[0].ResponsePreview)
	}

	histPath := filepath.Join(env.vault, "agent-files", "slow-history.md")
	if _, err := os.Stat(histPath); !os.IsNotExist(err) {
		t.Error("history file written for a timed-out run")
	}
}

func TestRouteTelegramFormatsMessage(t *testing.T) {
	env := newTestEnv(t, Config{}, agent.Result{})

	var got string
	env.scheduler.SetChatSink(func(text string) error {
		got = text
		return nil
	})

	env.scheduler.route(store.CronJob{Name: "daily", Output: "telegram"}, "fresh news")
	if got != "[daily]\n\nfresh news" {
		t.Errorf("sink received %q", got)
	}
}

func TestRouteTelegramWithoutSinkFallsBack(t *testing.T) {
	env := newTestEnv(t, Config{}, agent.Result{})
	// must not panic without a sink
	env.scheduler.route(store.CronJob{Name: "daily", Output: "telegram"}, "text")
	env.scheduler.route(store.CronJob{Name: "daily", Output: "webhook"}, "text")
	env.scheduler.route(store.CronJob{Name: "daily", Output: "silent"}, "text")
}

func TestStopClearsAllEntries(t *testing.T) {
	env := newTestEnv(t, Config{}, successResult("ok", 1))
	for i := 0; i < 3; i++ {
		env.scheduler.AddJob(store.CronJob{
			Name: fmt.Sprintf("job-%d", i), Schedule: "0 9 * * *", Prompt: "p",
			Enabled: true, Output: "log", Timezone: "UTC",
		})
	}
	env.scheduler.Stop()
	if n := len(env.scheduler.Status()); n != 0 {
		t.Errorf("status has %d entries after Stop, want 0", n)
	}
}
