package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/pkg/stream"
	"github.com/rs/zerolog"
)

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "DataLens Backend"
	// ApplicationName is reported by the dashboard.
	ApplicationName = "DataLens"
)

// Server is the inbound HTTP, SSE and WebSocket API.
type Server struct {
	cfg         Config
	server      *http.Server
	listener    net.Listener
	handler     http.Handler
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	limiters    *RateLimiters
	logger      zerolog.Logger

	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string

	Engine    ChatEngine
	Sessions  SessionStore
	Tools     ToolCatalog
	Dashboard DashboardSource
	// MetricsHandler serves /metrics; the process-wide registry is used when nil.
	MetricsHandler http.Handler

	RateLimitPerMinute     int
	MaxConcurrentPerClient int
	ShutdownTimeout        time.Duration

	Logger zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("chat engine is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MaxConcurrentPerClient <= 0 {
		cfg.MaxConcurrentPerClient = 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = observability.MetricsHandler()
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		cfg:         cfg,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		limiters:    NewRateLimiters(cfg.RateLimitPerMinute, cfg.MaxConcurrentPerClient),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.handler = s.withTracing(s.routes())
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/chat/stream", s.tracked(s.limited(s.handleChatStream)))
	mux.HandleFunc("POST /api/v1/chat", s.tracked(s.limited(s.handleChatStream)))
	mux.HandleFunc("POST /api/v1/chat/sync", s.tracked(s.limited(s.handleChatSync)))
	mux.HandleFunc("POST /api/v1/chat/stop", s.handleChatStop)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleClearSession)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/tools", s.handleTools)
	mux.HandleFunc("GET /actuator/dashboard", s.handleDashboard)
	mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// Handler returns the full handler chain; tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop rejects new chats, waits for in-flight turns up to the shutdown
// timeout, notifies WebSocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("Shutting down gateway server")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.broadcaster.Broadcast(stream.ErrorEvent("Server is shutting down"))
	for _, client := range s.clients.Clients() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// PruneLimiters drops rate limit state of idle clients.
func (s *Server) PruneLimiters(idle time.Duration) int {
	return s.limiters.Prune(idle)
}

// GetConnectedClients returns information about all WebSocket clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}

// tracked counts the request as in flight and rejects it during shutdown.
func (s *Server) tracked(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Server is shutting down"})
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next(w, r)
	}
}
