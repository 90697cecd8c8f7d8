package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/al-how/claude-conductor/internal/bus"
)

// fakeChannel records lifecycle calls and sent messages.
type fakeChannel struct {
	name string

	mu      sync.Mutex
	running bool
	started int
	stopped int
	sent    []bus.OutboundMessage
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.running = true
	return nil
}

func (f *fakeChannel) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.running = false
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChannel) IsAllowed(string) bool { return true }

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) lastSent() bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return bus.OutboundMessage{}
	}
	return f.sent[len(f.sent)-1]
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestManagerRoutesOutbound verifies that outbound bus messages reach the
// channel they name and that messages for unknown channels are skipped
// without crashing the dispatcher.
func TestManagerRoutesOutbound(t *testing.T) {
	msgBus := bus.New()
	m := NewManager(msgBus)

	tg := &fakeChannel{name: "telegram"}
	m.RegisterChannel("telegram", tg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(context.Background())

	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "unknown", ChatID: "1", Content: "lost"})
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hello"})

	waitFor(t, func() bool { return tg.sentCount() == 1 }, "telegram channel never received the outbound message")

	got := tg.lastSent()
	if got.ChatID != "42" || got.Content != "hello" {
		t.Errorf("sent message = %+v, want ChatID 42 Content hello", got)
	}
}

// TestManagerLifecycle verifies StartAll/StopAll reach every registered
// channel and that Status reflects the running state.
func TestManagerLifecycle(t *testing.T) {
	m := NewManager(bus.New())

	tg := &fakeChannel{name: "telegram"}
	dc := &fakeChannel{name: "discord"}
	m.RegisterChannel("telegram", tg)
	m.RegisterChannel("discord", dc)

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	status := m.Status()
	if !status["telegram"] || !status["discord"] {
		t.Errorf("Status after StartAll = %v, want both running", status)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	if tg.stopped != 1 || dc.stopped != 1 {
		t.Errorf("stop counts = %d/%d, want 1/1", tg.stopped, dc.stopped)
	}

	status = m.Status()
	if status["telegram"] || status["discord"] {
		t.Errorf("Status after StopAll = %v, want both stopped", status)
	}
}

// TestSendToChannel verifies the direct send path used by the cron chat sink.
func TestSendToChannel(t *testing.T) {
	m := NewManager(bus.New())
	tg := &fakeChannel{name: "telegram"}
	m.RegisterChannel("telegram", tg)

	ctx := context.Background()
	if err := m.SendToChannel(ctx, "telegram", "100", "[daily]\n\nreport text"); err != nil {
		t.Fatalf("SendToChannel: %v", err)
	}
	if tg.sentCount() != 1 {
		t.Fatalf("sent count = %d, want 1", tg.sentCount())
	}
	if got := tg.lastSent(); got.ChatID != "100" {
		t.Errorf("ChatID = %q, want %q", got.ChatID, "100")
	}

	if err := m.SendToChannel(ctx, "slack", "1", "x"); err == nil {
		t.Error("expected error for unregistered channel, got nil")
	}
}
