// Package gateway serves the cron CRUD API, manual job triggers, and the
// WebSocket telemetry feed.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/gorilla/websocket"

	"github.com/al-how/claude-conductor/internal/bus"
	"github.com/al-how/claude-conductor/internal/config"
	"github.com/al-how/claude-conductor/internal/store"
)

// JobScheduler is the scheduler surface the gateway keeps in sync with
// job mutations.
type JobScheduler interface {
	AddJob(job store.CronJob)
	RemoveJob(name string)
	TriggerJob(ctx context.Context, name string) (bool, error)
}

// Server is the gateway server handling HTTP and WebSocket connections.
type Server struct {
	addr   string
	token  string
	store  *store.Store
	sched  JobScheduler
	events bus.EventPublisher

	upgrader websocket.Upgrader
	clients  map[string]*wsClient
	mu       sync.RWMutex

	gron       gronx.Gronx
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server. Gateway config is captured by
// value; host/port/token changes take effect on restart.
func NewServer(cfg *config.Config, st *store.Store, sched JobScheduler, events bus.EventPublisher) *Server {
	s := &Server{
		addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		token:   cfg.Gateway.Token,
		store:   st,
		sched:   sched,
		events:  events,
		clients: make(map[string]*wsClient),
		gron:    *gronx.New(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Localhost tool surface, no origin allowlist.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// WebSocket telemetry feed
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.registerRoutes(mux)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and streams telemetry events
// until the peer disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": n})
}

func (s *Server) registerClient(c *wsClient) {
	// Subscribe before the client becomes visible so no frame can slip
	// between registration and subscription.
	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(event.Name, event.Payload)
		})
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	slog.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("ws client disconnected", "id", c.id)
}
