// Package dispatch implements the bounded FIFO work queue that owns agent
// invocations. Tasks from the cron scheduler, chat channels, and the HTTP
// trigger surface are serialized through a single worker so at most one
// agent process runs at a time.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/al-how/claude-conductor/internal/agent"
	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/pkg/protocol"
)

var (
	// ErrQueueFull is returned by Enqueue when the bounded queue is at
	// capacity. Producers decide whether to retry, drop, or surface it.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("dispatch: dispatcher stopped")
)

// Config sizes the dispatcher.
type Config struct {
	// QueueSize bounds the number of tasks waiting behind the in-flight one.
	QueueSize int

	// MaxConcurrent is accepted from configuration (validated 1..10) but
	// execution is strictly serial: exactly one task in flight.
	MaxConcurrent int
}

// DefaultConfig returns the dispatcher sizing used when the config file
// does not say otherwise.
func DefaultConfig() Config {
	return Config{QueueSize: 64, MaxConcurrent: 1}
}

// Dispatcher is a bounded FIFO work queue with a single worker goroutine.
// Producers call Enqueue, which never blocks; the worker invokes each
// task's agent backend and delivers the outcome to the task's callbacks.
type Dispatcher struct {
	queue   chan *agent.Task
	invoker agent.Invoker
	events  bus.EventPublisher
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// New creates a Dispatcher. invoker is the default agent backend for tasks
// that do not carry their own; events may be nil.
func New(cfg Config, invoker agent.Invoker, events bus.EventPublisher) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:   make(chan *agent.Task, cfg.QueueSize),
		invoker: invoker,
		events:  events,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	slog.Info("dispatcher started",
		"queue_size", cap(d.queue),
		"max_concurrent", d.cfg.MaxConcurrent)
	go d.worker()
}

// Enqueue adds a task to the queue and returns immediately. It returns
// ErrQueueFull when the queue is at capacity and ErrStopped after Stop.
func (d *Dispatcher) Enqueue(task *agent.Task) error {
	if task == nil {
		return errors.New("dispatch: nil task")
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case d.queue <- task:
		taskLogger(task).Info("task queued",
			"task_id", task.ID, "source", task.Source, "pending", len(d.queue))
		d.emit(protocol.EventSessionQueued, map[string]any{
			"task_id": task.ID,
			"source":  task.Source,
			"pending": len(d.queue),
		})
		return nil
	default:
		taskLogger(task).Warn("queue full, rejecting task",
			"task_id", task.ID, "source", task.Source, "capacity", cap(d.queue))
		return ErrQueueFull
	}
}

// QueueLen reports how many tasks are waiting (not counting the in-flight
// one).
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

// Stop closes intake, cancels the in-flight agent invocation, and drops any
// queued tasks. It blocks until the worker has exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	<-d.done

	if dropped := len(d.queue); dropped > 0 {
		slog.Info("dispatcher stopped, dropping queued tasks", "dropped", dropped)
	} else {
		slog.Info("dispatcher stopped")
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		select {
		case <-d.ctx.Done():
			return
		case task := <-d.queue:
			d.run(task)
		}
	}
}

// run executes one task and delivers its outcome. Errors and callback
// panics are contained here so the next queued task always runs.
func (d *Dispatcher) run(task *agent.Task) {
	log := taskLogger(task)
	start := time.Now()

	log.Info("session start",
		"task_id", task.ID, "source", task.Source, "prompt", task.PromptPreview(80))
	d.emit(protocol.EventSessionStart, map[string]any{
		"task_id": task.ID,
		"source":  task.Source,
		"prompt":  task.PromptPreview(80),
	})

	inv := task.Invoker
	if inv == nil {
		inv = d.invoker
	}

	res, err := inv.Invoke(d.ctx, task)
	duration := time.Since(start)

	switch {
	case err != nil:
		log.Error("session failed",
			"task_id", task.ID, "duration_s", duration.Seconds(), "error", err)
		d.emit(protocol.EventSessionFailed, map[string]any{
			"task_id":    task.ID,
			"source":     task.Source,
			"duration_s": duration.Seconds(),
			"error":      err.Error(),
		})
		d.deliver(task, nil, err)

	case res.TimedOut:
		log.Warn("session timed out",
			"task_id", task.ID, "duration_s", duration.Seconds())
		d.emit(protocol.EventSessionTimeout, map[string]any{
			"task_id":    task.ID,
			"source":     task.Source,
			"duration_s": duration.Seconds(),
		})
		d.deliver(task, res, nil)

	default:
		log.Info("session complete",
			"task_id", task.ID,
			"duration_s", duration.Seconds(),
			"num_turns", res.NumTurns,
			"exit_code", res.ExitCode)
		d.emit(protocol.EventSessionComplete, map[string]any{
			"task_id":    task.ID,
			"source":     task.Source,
			"duration_s": duration.Seconds(),
			"num_turns":  res.NumTurns,
			"exit_code":  res.ExitCode,
		})
		d.deliver(task, res, nil)
	}
}

// deliver invokes the task's completion or error callback. A panicking
// callback is recovered and logged so it cannot poison the queue.
func (d *Dispatcher) deliver(task *agent.Task, res *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			taskLogger(task).Error("task callback panicked",
				"task_id", task.ID, "panic", r)
		}
	}()

	if err != nil {
		if task.OnError != nil {
			task.OnError(err)
		}
		return
	}
	if task.OnComplete != nil {
		task.OnComplete(res)
	}
}

func (d *Dispatcher) emit(name string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func taskLogger(t *agent.Task) *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
