// Package server exposes the approval console: a small HTTP/WebSocket
// surface where operators inspect pending approval requests, resolve
// them, and watch loop activity in real time.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tether/internal/approval"
	"tether/internal/shared/logging"
)

// Config carries the listener settings for the console.
type Config struct {
	Addr         string        `json:"addr"`
	AllowOrigins []string      `json:"allow_origins"`
	Debug        bool          `json:"debug"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns the console defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8420",
		AllowOrigins: []string{"*"},
		Debug:        false,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server hosts the approval console over HTTP and WebSocket.
type Server struct {
	broker *approval.Broker
	hub    *Hub
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	startTime time.Time
}

// Option adjusts optional server collaborators.
type Option func(*Server)

// WithLogger routes server logs through the given logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logging.OrNop(logger)
	}
}

// New builds the console around an approval broker. The returned server's
// Hub is not yet registered as the broker's notifier; the caller decides
// whether the hub, a terminal resolver, or both receive new requests.
func New(config Config, broker *approval.Broker, opts ...Option) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}

	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if allowsAnyOrigin(config.AllowOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		broker: broker,
		logger: logging.Nop(),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

// Hub returns the websocket fan-out so the caller can register it as the
// broker's notifier and bridge loop events into it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the route tree, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	approvals := api.Group("/approvals")
	{
		approvals.GET("", s.handleListApprovals)
		approvals.GET("/stream", s.handleStream)
		approvals.GET("/:id", s.handleGetApproval)
		approvals.POST("/:id", s.handleResolveApproval)
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// apiResponse is the uniform JSON envelope for console responses.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status           string    `json:"status"`
	Uptime           string    `json:"uptime"`
	PendingApprovals int       `json:"pending_approvals"`
	StreamClients    int       `json:"stream_clients"`
	Timestamp        time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{
		Success: true,
		Data: healthResponse{
			Status:           "ok",
			Uptime:           time.Since(s.startTime).String(),
			PendingApprovals: len(s.broker.Pending()),
			StreamClients:    s.hub.ClientCount(),
			Timestamp:        time.Now(),
		},
	})
}

type approvalListResponse struct {
	Approvals []any `json:"approvals"`
	Count     int   `json:"count"`
}

func (s *Server) handleListApprovals(c *gin.Context) {
	pending := s.broker.Pending()
	approvals := make([]any, 0, len(pending))
	for _, record := range pending {
		approvals = append(approvals, record)
	}
	c.JSON(http.StatusOK, apiResponse{
		Success: true,
		Data:    approvalListResponse{Approvals: approvals, Count: len(approvals)},
	})
}

func (s *Server) handleGetApproval(c *gin.Context) {
	record, err := s.broker.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, apiResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: record})
}

// resolveRequest is the decision body. Approve is a pointer so a missing
// field is rejected instead of silently reading as a denial.
type resolveRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason"`
}

// handleResolveApproval applies an operator decision. The broker keeps the
// first outcome for a request, so replays and races return the existing
// record rather than flipping the decision.
func (s *Server) handleResolveApproval(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid decision body: %v", err),
		})
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "console"
	}

	record, err := s.broker.Resolve(c.Param("id"), *req.Approve, actor, req.Reason)
	if err != nil {
		c.JSON(http.StatusNotFound, apiResponse{Success: false, Error: err.Error()})
		return
	}

	// The broker only notifies on request creation; resolutions are
	// announced here so stream clients see decisions from other operators.
	s.hub.BroadcastResolved(record)

	c.JSON(http.StatusOK, apiResponse{Success: true, Data: record})
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	s.hub.register(conn)
}

// Start serves until Stop is called. It blocks, so callers that need the
// console alongside a running loop start it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("Approval console listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Stop drains stream clients and shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("Stopping approval console")
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
