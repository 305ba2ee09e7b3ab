// Package server exposes sessions over HTTP: a JSON API for lifecycle and
// messages, SSE and websocket streams for live events, and the metrics
// endpoint. Each live session gets one broadcaster that owns its event
// stream and fans frames out to any number of stream consumers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/session"
)

// Options wires the server's collaborators.
type Options struct {
	Env      *config.Env
	Agents   *config.Loader
	Sessions *session.Registry
	Obs      *observability.Observability
	Logger   logging.Logger
	Version  string
}

// Server is the HTTP face of the engine.
type Server struct {
	env      *config.Env
	agents   *config.Loader
	sessions *session.Registry
	obs      *observability.Observability
	logger   logging.Logger
	version  string

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	mu    sync.Mutex
	casts map[string]*Broadcaster
}

// New assembles the router. Start makes it listen.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		env:      opts.Env,
		agents:   opts.Agents,
		sessions: opts.Sessions,
		obs:      opts.Obs,
		logger:   logging.OrNop(opts.Logger),
		version:  opts.Version,
		engine:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		casts:     make(map[string]*Broadcaster),
	}

	s.engine.Use(requestLogger(s.logger))
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(corsConfig()))
	s.engine.Use(traceRequests(s.obs))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")

	api.GET("/agents", s.handleListAgents)

	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.DELETE("/:id", s.handleDeleteSession)
		sessions.POST("/:id/messages", s.handlePostMessage)
		sessions.GET("/:id/events", s.handleSSE)
		sessions.GET("/:id/ws", s.handleWS)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    ":" + s.env.Port,
		Handler: s.engine,
		// No write timeout: SSE and websocket streams outlive any sane value.
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests. Sessions are closed by the registry,
// which also ends every broadcaster's stream.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// attach gives a freshly created session its broadcaster and starts the
// pump. From here on the broadcaster is the stream's only consumer.
func (s *Server) attach(sess *session.Session) *Broadcaster {
	cast := NewBroadcaster(BroadcastOptions{
		SessionID:  sess.ID,
		Agent:      sess.AgentName,
		ReplaySize: s.env.ReplayBuffer,
		Logger:     s.logger,
		Obs:        s.obs,
		OnClose: func() {
			s.detach(sess.ID)
		},
	})

	s.mu.Lock()
	s.casts[sess.ID] = cast
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.Metrics.IncrementActiveSessions(context.Background())
	}
	cast.Start(sess.Stream().Frames())
	return cast
}

// detach runs when a session's stream ends, whether through the API, the
// idle reaper, or process shutdown.
func (s *Server) detach(id string) {
	s.mu.Lock()
	_, ok := s.casts[id]
	delete(s.casts, id)
	s.mu.Unlock()

	if ok && s.obs != nil {
		s.obs.Metrics.DecrementActiveSessions(context.Background())
	}
}

func (s *Server) lookupCast(id string) (*Broadcaster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cast, ok := s.casts[id]
	return cast, ok
}
