package chatserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/pkg/commandqueue"
	"github.com/harun/tavern/pkg/controller"
	"github.com/harun/tavern/pkg/session"
	"github.com/rs/zerolog"
)

//go:embed static
var staticFiles embed.FS

// Config configures a Server.
type Config struct {
	Host string
	Port int

	Controller *controller.Controller
	Sessions   *session.Registry
	// Queue serialises turns per session. Created when nil.
	Queue *commandqueue.Queue

	RequestsPerMinute int
	MaxConcurrent     int
	// AllowAnyOrigin disables the same-origin websocket check.
	AllowAnyOrigin bool

	Logger zerolog.Logger
}

// Server is the chat widget HTTP and websocket server.
type Server struct {
	addr       string
	ctrl       *controller.Controller
	sessions   *session.Registry
	queue      *commandqueue.Queue
	ownQueue   bool
	limiters   *limiterSet
	clients    *ClientRegistry
	broadcast  *Broadcaster
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a chat server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}

	observability.EnsureRegistered()
	logger := cfg.Logger.With().Str("component", "chatserver").Logger()

	queue := cfg.Queue
	ownQueue := false
	if queue == nil {
		queue = commandqueue.New(commandqueue.Options{Logger: cfg.Logger})
		ownQueue = true
	}

	clients := NewClientRegistry()
	s := &Server{
		addr:      net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		ctrl:      cfg.Controller,
		sessions:  cfg.Sessions,
		queue:     queue,
		ownQueue:  ownQueue,
		limiters:  newLimiterSet(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		clients:   clients,
		broadcast: NewBroadcaster(clients, logger),
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin(cfg.AllowAnyOrigin),
	}
	return s, nil
}

// sameOrigin allows non-browser clients and same-host browser origins.
func sameOrigin(allowAny bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		origin = strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
		return strings.EqualFold(origin, r.Host)
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	static, _ := fs.Sub(staticFiles, "static")
	r.Handle("/", http.FileServer(http.FS(static)))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"flow":     s.ctrl.Flow(),
			"sessions": len(s.sessions.List()),
		})
	})
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/credential", s.handleSetCredential)
		r.Post("/{id}/turns", s.handleTurn)
	})

	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting chat server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Chat server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop waits for in-flight turns, closes websocket clients and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down chat server")
	s.broadcast.Shutdown()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight turns completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	var err error
	if s.httpServer != nil {
		if serr := s.httpServer.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", serr)
		}
	}
	if s.ownQueue {
		_ = s.queue.Close()
	}

	s.logger.Info().Msg("Chat server stopped")
	return err
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// SweepLimiters drops idle per-address limiters.
func (s *Server) SweepLimiters() int {
	return s.limiters.sweep()
}

// runTurn executes one turn in the session's lane. A non-empty key makes
// the turn idempotent.
func (s *Server) runTurn(ctx context.Context, sess *session.Session, text, key string) (*controller.View, error) {
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	lane := "session:" + sess.ID
	res, err := s.queue.EnqueueOnce(ctx, lane, key, func(ctx context.Context) (interface{}, error) {
		view, err := s.ctrl.HandleTurn(ctx, sess, text)
		if err != nil {
			return nil, err
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	view, ok := res.(*controller.View)
	if !ok {
		return nil, fmt.Errorf("unexpected turn result %T", res)
	}
	return view, nil
}
