// Package api exposes the signal core over HTTP: order and signal queries,
// manual order closure and a websocket event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/health"
	"signal-core/internal/monitor"
	"signal-core/pkg/logger"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Health    *health.State
	Metrics   *monitor.SystemMetrics
	JWTSecret string

	log     *zap.Logger
	limiter *ipLimiter
	http    *http.Server
}

// Options configure a Server. Bus, Health and Metrics are optional.
type Options struct {
	Engine         engine.Service
	Bus            *events.Bus
	Health         *health.State
	Metrics        *monitor.SystemMetrics
	JWTSecret      string
	RequestTimeout time.Duration
	Log            *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log := logger.OrNop(opts.Log)
	r := gin.New()

	s := &Server{
		Router:    r,
		Engine:    opts.Engine,
		Bus:       opts.Bus,
		Health:    opts.Health,
		Metrics:   opts.Metrics,
		JWTSecret: opts.JWTSecret,
		log:       log,
		limiter:   newIPLimiter(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, opts.Metrics))
	r.Use(RateLimitMiddleware(s.limiter, log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/livez", s.livez)
	s.Router.GET("/readyz", s.readyz)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/:id", s.getOrder)
		api.GET("/orders/:id/events", s.getOrderEvents)
		api.GET("/signals", s.getSignals)
		api.GET("/capital", s.getCapital)
		api.GET("/ratelimit", s.getRateLimit)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/orders/:id/close", s.closeOrder)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.Health != nil {
		resp["ready"] = s.Health.Ready()
		resp["uptime_sec"] = int64(s.Health.Uptime().Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) livez(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) readyz(c *gin.Context) {
	if s.Health == nil || !s.Health.Ready() {
		c.String(http.StatusServiceUnavailable, "not ready")
		return
	}
	c.String(http.StatusOK, "ready")
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("api: listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api: server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
