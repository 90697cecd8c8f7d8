// Package cron schedules named jobs from the store and fires them into the
// dispatcher. Each enabled job owns one timer goroutine that computes the
// next tick under the job's timezone, runs the job, and reschedules. Bad
// schedules are logged and skipped so one broken job never stalls the rest.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/al-how/claude-conductor/internal/agent"
	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/dispatch"
	"github.com/al-how/claude-conductor/internal/history"
	"github.com/al-how/claude-conductor/internal/store"
	"github.com/al-how/claude-conductor/pkg/protocol"
)

// ChatSink delivers a cron result to the primary chat. Wired by the serve
// command when a chat channel is configured; nil means no chat delivery.
type ChatSink func(text string) error

// Config carries the scheduler's execution settings, captured by value at
// construction.
type Config struct {
	VaultPath   string
	GlobalModel string
	TaskTimeout time.Duration // per-run wall clock, 0 = agent.DefaultTimeout

	// APIInvoker serves execution_mode=api jobs; nil falls back to CLI.
	APIInvoker *agent.APIInvoker
	// APIDefaultModel takes precedence over GlobalModel for api-mode jobs.
	APIDefaultModel string

	// OllamaBaseURL is overlaid on the child env when a job resolves to the
	// ollama provider.
	OllamaBaseURL string
}

// cliAllowedTools is the default tool allowance for scheduled runs. Jobs may
// override it with their own allowed_tools list.
var cliAllowedTools = []string{"Read", "Glob", "Grep", "WebSearch", "WebFetch"}

type entry struct {
	job  store.CronJob
	stop chan struct{}
	next time.Time
}

// Scheduler maps job names to live timers. All mutation goes through
// AddJob/RemoveJob so at most one timer exists per name.
type Scheduler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	history    *history.Manager
	events     bus.EventPublisher
	cfg        Config
	chatSink   ChatSink
	gron       gronx.Gronx

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Scheduler. events and the chat sink may be nil.
func New(st *store.Store, d *dispatch.Dispatcher, hist *history.Manager, events bus.EventPublisher, cfg Config) *Scheduler {
	return &Scheduler{
		store:      st,
		dispatcher: d,
		history:    hist,
		events:     events,
		cfg:        cfg,
		gron:       *gronx.New(),
		entries:    make(map[string]*entry),
	}
}

// SetChatSink wires the chat delivery callback. Call before Start.
func (s *Scheduler) SetChatSink(sink ChatSink) {
	s.chatSink = sink
}

// UpdateConfig swaps the execution settings used by subsequent fires.
// Runs already in flight keep the settings they started with.
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	slog.Debug("scheduler config updated", "model", cfg.GlobalModel)
}

// config returns a snapshot of the execution settings.
func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start loads the job catalog and registers a timer for every enabled job.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	registered := 0
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		s.AddJob(*job)
		registered++
	}
	slog.Info("cron scheduler started", "jobs", len(jobs), "scheduled", registered)
	return nil
}

// AddJob replaces any existing timer for the job's name and, when the job
// is enabled and its schedule parses, registers a new one. Parse and
// timezone errors are logged and the job is skipped.
func (s *Scheduler) AddJob(job store.CronJob) {
	s.RemoveJob(job.Name)

	if !job.Enabled {
		return
	}
	if !s.gron.IsValid(job.Schedule) {
		slog.Error("invalid cron schedule, job skipped",
			"job", job.Name, "schedule", job.Schedule)
		return
	}
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		slog.Error("unknown timezone, job skipped",
			"job", job.Name, "timezone", job.Timezone, "error", err)
		return
	}

	next, err := gronx.NextTickAfter(job.Schedule, time.Now().In(loc), false)
	if err != nil {
		slog.Error("cannot compute next run, job skipped",
			"job", job.Name, "schedule", job.Schedule, "error", err)
		return
	}

	e := &entry{job: job, stop: make(chan struct{}), next: next}
	s.mu.Lock()
	s.entries[job.Name] = e
	s.mu.Unlock()

	slog.Info("cron job scheduled",
		"job", job.Name, "schedule", job.Schedule,
		"timezone", job.Timezone, "next_run", next.Format(time.RFC3339))
	s.emit(protocol.EventCronScheduled, map[string]any{
		"name":     job.Name,
		"schedule": job.Schedule,
		"next_run": next.Format(time.RFC3339),
	})

	go s.runEntry(e, loc)
}

// RemoveJob stops the named timer if one exists.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if ok {
		close(e.stop)
		slog.Debug("cron job unscheduled", "job", name)
	}
}

// TriggerJob fires the named job immediately using the latest stored row.
// It returns false when the job does not exist. Manual triggers bypass the
// timer but share all execution semantics.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (bool, error) {
	job, err := s.store.GetJob(ctx, name)
	if errors.Is(err, store.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	slog.Info("cron job triggered manually", "job", name)
	s.emit(protocol.EventCronTriggered, map[string]any{
		"name":   name,
		"manual": true,
	})
	s.executeJob(*job)
	return true, nil
}

// Status reports the next fire time of every registered job. Disabled and
// removed jobs have no entry.
func (s *Scheduler) Status() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.next
	}
	return out
}

// Stop halts every timer. In-flight runs settle through the dispatcher.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		close(e.stop)
	}
	if len(entries) > 0 {
		slog.Info("cron scheduler stopped", "jobs", len(entries))
	}
}

// runEntry is one job's timer loop. It sleeps until the next tick, fires,
// and reschedules until the entry is removed. A panicking run is recovered
// so scheduling continues.
func (s *Scheduler) runEntry(e *entry, loc *time.Location) {
	for {
		next, err := gronx.NextTickAfter(e.job.Schedule, time.Now().In(loc), false)
		if err != nil {
			slog.Error("next tick computation failed, job unscheduled",
				"job", e.job.Name, "error", err)
			return
		}
		s.setNext(e.job.Name, next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.fire(e.job)
		}
	}
}

func (s *Scheduler) fire(job store.CronJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cron job panicked", "job", job.Name, "panic", r)
		}
	}()

	slog.Info("cron job fired", "job", job.Name, "schedule", job.Schedule)
	s.emit(protocol.EventCronTriggered, map[string]any{
		"name":     job.Name,
		"schedule": job.Schedule,
	})
	s.executeJob(job)
}

func (s *Scheduler) setNext(name string, next time.Time) {
	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		e.next = next
	}
	s.mu.Unlock()
}

func (s *Scheduler) emit(name string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
