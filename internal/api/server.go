// Package api implements the gateway's HTTP front end: the OpenAI and
// Anthropic compatible endpoints, the admin surface, and the middleware
// stack (request logging, recovery, CORS, API-key auth).
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/logging"
	"github.com/kirolink/kiro-gateway/internal/runtime/executor"
	"github.com/kirolink/kiro-gateway/internal/store"
	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
)

// Completer dispatches one exchange against the account pool. Implemented
// by the pool dispatcher.
type Completer interface {
	Complete(ctx context.Context, model string, payload []byte) ([]kirotranslator.StreamEvent, error)
	CompleteStream(ctx context.Context, model string, payload []byte) (<-chan executor.StreamResult, error)
}

// UsageRefresher fetches an account's quota reading from upstream.
type UsageRefresher interface {
	RefreshUsage(ctx context.Context, account *store.Account) error
}

// Server is the HTTP front end.
type Server struct {
	engine *gin.Engine
	server *http.Server

	accounts   store.AccountStore
	dispatcher Completer
	usage      UsageRefresher

	// cfgHolder provides race-safe config snapshots; the admin surface
	// swaps in updated copies.
	cfgHolder atomic.Value

	// serving gates the protocol endpoints; the admin surface can park
	// the gateway without stopping the process.
	serving atomic.Bool
}

// NewServer wires the engine, middleware, and routes.
func NewServer(cfg *config.Config, accounts store.AccountStore, dispatcher Completer, usage UsageRefresher) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(logging.GinLogrusLogger())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:     engine,
		accounts:   accounts,
		dispatcher: dispatcher,
		usage:      usage,
	}
	s.cfgHolder.Store(cfg)
	s.serving.Store(true)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	auth := authMiddleware(s.getConfig)

	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1")
	v1.Use(auth, s.servingMiddleware())
	{
		v1.GET("/models", s.handleModels)
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/messages", s.handleMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
	}

	admin := s.engine.Group("/admin")
	admin.Use(auth)
	{
		admin.GET("", s.handleAdminPortal)
		admin.GET("/data", s.handleAdminData)
		admin.POST("/proxy", s.handleAdminProxy)
		admin.POST("/account", s.handleAdminAccountUpload)
		admin.DELETE("/account", s.handleAdminAccountDelete)
		admin.POST("/usage/refresh", s.handleAdminUsageRefresh)
		admin.GET("/logs/stream", s.handleAdminLogStream)
	}
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address the server was built with.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("api: shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) getConfig() *config.Config {
	if v := s.cfgHolder.Load(); v != nil {
		if cfg, ok := v.(*config.Config); ok {
			return cfg
		}
	}
	return nil
}

// ApplyConfig swaps the config snapshot the auth middleware and admin
// surface read. Listen address changes still require a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfgHolder.Store(cfg)
}

// servingMiddleware answers 503 on the protocol endpoints while the
// gateway is parked via the admin surface.
func (s *Server) servingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.serving.Load() {
			writeOpenAIError(c, http.StatusServiceUnavailable, "gateway is disabled")
			c.Abort()
			return
		}
		c.Next()
	}
}
