package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestJobCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, &CronJob{
		Name:     "daily-digest",
		Schedule: "0 9 * * *",
		Prompt:   "Summarize the news",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID == 0 {
		t.Error("CreateJob returned zero ID")
	}
	if job.Output != "telegram" {
		t.Errorf("Output = %q, want default %q", job.Output, "telegram")
	}
	if job.Timezone != "America/Chicago" {
		t.Errorf("Timezone = %q, want default", job.Timezone)
	}
	if job.ExecutionMode != "cli" {
		t.Errorf("ExecutionMode = %q, want default %q", job.ExecutionMode, "cli")
	}

	// Get
	got, err := s.GetJob(ctx, "daily-digest")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Prompt != "Summarize the news" {
		t.Errorf("Prompt = %q", got.Prompt)
	}

	// Duplicate name
	_, err = s.CreateJob(ctx, &CronJob{Name: "daily-digest", Schedule: "* * * * *", Prompt: "x"})
	if !errors.Is(err, ErrJobExists) {
		t.Errorf("duplicate CreateJob error = %v, want ErrJobExists", err)
	}

	// Update
	newSchedule := "30 8 * * 1-5"
	enabled := false
	updated, err := s.UpdateJob(ctx, "daily-digest", JobPatch{
		Schedule: &newSchedule,
		Enabled:  &enabled,
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Schedule != newSchedule {
		t.Errorf("Schedule = %q, want %q", updated.Schedule, newSchedule)
	}
	if updated.Enabled {
		t.Error("Enabled = true after patch to false")
	}
	if updated.Prompt != "Summarize the news" {
		t.Errorf("Prompt changed unexpectedly: %q", updated.Prompt)
	}

	// Delete
	deleted, err := s.DeleteJob(ctx, "daily-digest")
	if err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if !deleted {
		t.Error("DeleteJob = false, want true")
	}
	if _, err := s.GetJob(ctx, "daily-digest"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob after delete = %v, want ErrJobNotFound", err)
	}
	deleted, _ = s.DeleteJob(ctx, "daily-digest")
	if deleted {
		t.Error("second DeleteJob = true, want false")
	}
}

func TestJobNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetJob(ctx, "ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob(ghost) = %v, want ErrJobNotFound", err)
	}
	sched := "* * * * *"
	if _, err := s.UpdateJob(ctx, "ghost", JobPatch{Schedule: &sched}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("UpdateJob(ghost) = %v, want ErrJobNotFound", err)
	}
}

func TestJobAllowedToolsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tools := []string{"Read", "Glob", "Grep"}
	job, err := s.CreateJob(ctx, &CronJob{
		Name:         "scoped",
		Schedule:     "0 * * * *",
		Prompt:       "check things",
		AllowedTools: tools,
		MaxTurns:     15,
		Model:        "opus",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if len(job.AllowedTools) != 3 || job.AllowedTools[0] != "Read" {
		t.Errorf("AllowedTools = %v, want %v", job.AllowedTools, tools)
	}
	if job.MaxTurns != 15 {
		t.Errorf("MaxTurns = %d, want 15", job.MaxTurns)
	}
	if job.Model != "opus" {
		t.Errorf("Model = %q, want %q", job.Model, "opus")
	}

	// clearing via patch
	empty := []string{}
	cleared, err := s.UpdateJob(ctx, "scoped", JobPatch{AllowedTools: &empty})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if cleared.AllowedTools != nil {
		t.Errorf("AllowedTools = %v after clear, want nil", cleared.AllowedTools)
	}
}

func TestListJobsOrderedByName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := s.CreateJob(ctx, &CronJob{Name: name, Schedule: "* * * * *", Prompt: "p"}); err != nil {
			t.Fatalf("CreateJob(%s): %v", name, err)
		}
	}
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, j := range jobs {
		if j.Name != want[i] {
			t.Errorf("jobs[%d].Name = %q, want %q", i, j.Name, want[i])
		}
	}
}

func TestConversationRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const chatID = int64(42)
	turns := []struct {
		role, content string
	}{
		{"user", "Hello"},
		{"assistant", "Hi!"},
		{"user", "Bye"},
	}
	for _, turn := range turns {
		if err := s.SaveMessage(ctx, chatID, turn.role, turn.content); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := s.RecentContext(ctx, chatID, 10)
	if err != nil {
		t.Fatalf("RecentContext: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "Hello" || got[2].Content != "Bye" {
		t.Error("messages not in chronological order")
	}

	// limit returns most recent, still chronological
	got2, _ := s.RecentContext(ctx, chatID, 2)
	if len(got2) != 2 || got2[0].Content != "Hi!" || got2[1].Content != "Bye" {
		t.Errorf("limit 2: want [Hi! Bye], got %v", got2)
	}

	// other chats stay isolated
	other, _ := s.RecentContext(ctx, 99, 10)
	if len(other) != 0 {
		t.Errorf("expected no messages for other chat, got %d", len(other))
	}

	if err := s.ClearConversation(ctx, chatID); err != nil {
		t.Fatalf("ClearConversation: %v", err)
	}
	got3, _ := s.RecentContext(ctx, chatID, 10)
	if len(got3) != 0 {
		t.Errorf("expected 0 messages after clear, got %d", len(got3))
	}
}

func TestExecutionLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := 0
	cost := 0.0123
	start := time.Now().Add(-time.Minute)
	err := s.LogExecution(ctx, &Execution{
		JobName:           "daily-digest",
		StartedAt:         start,
		FinishedAt:        start.Add(30 * time.Second),
		ExitCode:          &code,
		OutputDestination: "telegram",
		ResponsePreview:   "all good",
		CostUSD:           &cost,
	})
	if err != nil {
		t.Fatalf("LogExecution: %v", err)
	}

	// a failed run with no exit code or cost
	err = s.LogExecution(ctx, &Execution{
		JobName:   "daily-digest",
		StartedAt: start.Add(time.Minute),
		TimedOut:  true,
		Error:     "agent timed out",
	})
	if err != nil {
		t.Fatalf("LogExecution: %v", err)
	}

	execs, err := s.RecentExecutions(ctx, "daily-digest", 10)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	// most recent first
	if !execs[0].TimedOut {
		t.Error("execs[0].TimedOut = false, want the timed-out run first")
	}
	if execs[0].ExitCode != nil {
		t.Errorf("execs[0].ExitCode = %v, want nil", *execs[0].ExitCode)
	}
	if execs[1].ExitCode == nil || *execs[1].ExitCode != 0 {
		t.Errorf("execs[1].ExitCode = %v, want 0", execs[1].ExitCode)
	}
	if execs[1].CostUSD == nil || *execs[1].CostUSD != cost {
		t.Errorf("execs[1].CostUSD = %v, want %v", execs[1].CostUSD, cost)
	}
	if execs[1].FinishedAt.IsZero() {
		t.Error("execs[1].FinishedAt is zero, want set")
	}
}

func TestRecentExecutionsLimits(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		job := "a"
		if i%2 == 1 {
			job = "b"
		}
		err := s.LogExecution(ctx, &Execution{
			JobName:   job,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogExecution(%d): %v", i, err)
		}
	}

	// default limit is 20 across all jobs
	all, err := s.RecentExecutions(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(all) != 20 {
		t.Errorf("default limit: got %d, want 20", len(all))
	}

	// filter by job
	onlyA, _ := s.RecentExecutions(ctx, "a", 100)
	if len(onlyA) != 13 {
		t.Errorf("job a executions: got %d, want 13", len(onlyA))
	}
	for _, e := range onlyA {
		if e.JobName != "a" {
			t.Errorf("filtered list includes job %q", e.JobName)
		}
	}

	// cap at 200
	capped, _ := s.RecentExecutions(ctx, "", 10000)
	if len(capped) != 25 {
		t.Errorf("capped query returned %d, want all 25", len(capped))
	}
}

func TestRecentExecutionsCapAt200(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 210; i++ {
		err := s.LogExecution(ctx, &Execution{
			JobName:   fmt.Sprintf("bulk-%d", i%3),
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogExecution(%d): %v", i, err)
		}
	}
	execs, err := s.RecentExecutions(ctx, "", 10000)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(execs) != 200 {
		t.Errorf("got %d executions, want hard cap 200", len(execs))
	}
}
