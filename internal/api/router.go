// Package api exposes the bee and message services over HTTP. Registering a bee
// opens a server-sent event stream carrying that bee's notifications.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/beehive/health"
	"github.com/glimte/beehive/internal/session"
	"github.com/glimte/beehive/internal/store"
)

// DefaultHealthTimeout bounds a /health request
const DefaultHealthTimeout = 5 * time.Second

// BeeService registers and lists bees
type BeeService interface {
	RegisterBee(ctx context.Context, name string) (*session.Session, error)
	ListBees(ctx context.Context, page, limit int) ([]store.Bee, error)
}

// MessageService sends messages between bees
type MessageService interface {
	SendMessage(ctx context.Context, sender, receive, content string) (*store.Message, error)
}

// HealthChecker runs the health checks
type HealthChecker interface {
	Check(ctx context.Context) health.OverallHealth
}

// Router manages API routing and handlers
type Router struct {
	engine        *gin.Engine
	bees          BeeService
	messages      MessageService
	health        HealthChecker
	healthTimeout time.Duration
	logger        *slog.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithHealthTimeout sets how long /health waits for checks
func WithHealthTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.healthTimeout = timeout
	}
}

// NewRouter creates a new API router with all handlers initialized
func NewRouter(bees BeeService, messages MessageService, checks HealthChecker, options ...RouterOption) *Router {
	router := &Router{
		engine:        gin.New(),
		bees:          bees,
		messages:      messages,
		health:        checks,
		healthTimeout: DefaultHealthTimeout,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(router)
	}

	router.setupMiddleware()
	router.setupRoutes()

	return router
}

func (r *Router) setupMiddleware() {
	r.engine.Use(loggingMiddleware(r.logger))
	r.engine.Use(gin.Recovery())
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.checkHealth)

	bees := r.engine.Group("/bees")
	{
		bees.POST("", r.registerBee)
		bees.GET("", r.listBees)
	}

	r.engine.POST("/messages", r.sendMessage)
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// loggingMiddleware logs HTTP requests using structured logging
func loggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
