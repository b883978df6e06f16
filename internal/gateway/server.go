// Package gateway serves the WebSocket RPC surface: handshake and protocol
// negotiation, scope-checked method dispatch, and per-connection event
// streaming with bounded buffers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/authpool"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/cron"
	"github.com/nextlevelbuilder/agentgate/internal/routing"
	"github.com/nextlevelbuilder/agentgate/internal/scheduler"
	"github.com/nextlevelbuilder/agentgate/internal/skills"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Version is stamped at build time.
var Version = "dev"

// Deps wires the gateway's collaborators. Cron and Runner may be nil when
// the feature is disabled (doctor mode, tests).
type Deps struct {
	Config    *config.Store
	Sessions  store.SessionStore
	Scheduler *scheduler.Scheduler
	Runner    *agent.Runner
	Resolver  *routing.Resolver
	Bus       *bus.MessageBus
	Channels  *channels.Registry
	Broker    *tools.Broker
	Pool      *authpool.Pool
	Cron      *cron.Service
	Skills    *skills.Loader
	Logs      *LogBuffer
	Log       *slog.Logger
}

// Server is the WebSocket/RPC listener.
type Server struct {
	deps     Deps
	router   *MethodRouter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	// runtime device pairing (nodes.pair.*)
	pairMu   sync.Mutex
	paired   map[string]config.DeviceKey
	pairReqs map[string]PairRequest

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds a server and registers the method handlers.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		clients:   make(map[string]*Client),
		paired:    make(map[string]config.DeviceKey),
		pairReqs:  make(map[string]PairRequest),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter()
	s.registerHandlers()
	return s
}

// checkOrigin admits configured origins, all origins when none are
// configured, and always non-browser clients (no Origin header).
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.deps.Config.Current().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.deps.Log.Warn("security.cors_rejected", "origin", origin)
	return false
}

// Handler exposes the HTTP mux (embedding, tests).
func (s *Server) Handler() http.Handler {
	return s.mux()
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealthHTTP)
	return mux
}

// Start listens on the configured address until ctx is done. Connected
// clients get a shutdown event before the listener closes.
func (s *Server) Start(ctx context.Context) error {
	gw := s.deps.Config.Current().Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on an existing listener (tests use :0).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.mux()}
	s.deps.Log.Info("gateway.listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.notifyShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Error("gateway.upgrade_failed", "error", err)
		return
	}
	c := newClient(conn, s)
	c.run()
}

func (s *Server) handleHealthHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"version":%q}`, protocol.ProtocolVersion, Version)
}

// register adds an authenticated client and subscribes it to bus events.
// Events are filtered by the connection's scopes: approval notifications need
// the approvals scope, everything else needs read.
func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.deps.Bus.Subscribe(c.id, func(ev bus.Event) {
		if !protocol.HasScope(c.scopes, eventScope(ev.Name)) {
			return
		}
		c.SendEvent(ev.Name, ev.Payload)
	})
	s.deps.Log.Info("gateway.client_connected", "conn", c.id, "role", c.role)
}

// eventScope maps a broadcast event to the scope required to receive it.
func eventScope(name string) string {
	if name == "approval" {
		return protocol.ScopeApprovals
	}
	return protocol.ScopeRead
}

func (s *Server) unregister(c *Client) {
	s.deps.Bus.Unsubscribe(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.deps.Log.Info("gateway.client_disconnected", "conn", c.id)
}

// notifyShutdown tells every client the server is going away.
func (s *Server) notifyShutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(protocol.EventShutdown, map[string]interface{}{
			"restart_expected_ms": 3000,
		})
	}
}

// connClients returns a snapshot of connected clients (nodes.list).
func (s *Server) connClients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) client(id string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// snapshot is the state summary embedded in hello_ok.
func (s *Server) snapshot() map[string]interface{} {
	cfg := s.deps.Config.Current()
	snap := map[string]interface{}{
		"agents":   cfg.AgentIDs(),
		"sessions": len(s.deps.Sessions.List()),
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Channels != nil {
		snap["channels"] = s.deps.Channels.Statuses()
	}
	return snap
}
