// Package api exposes the engine to kiosk collaborators over HTTP: order
// checkout, event submission, runtime inspection, stock and a live
// transition stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/events"
	"github.com/roach88/kioskfsm/internal/metrics"
	"github.com/roach88/kioskfsm/internal/telemetry"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine  *engine.Engine
	bus     *events.Bus
	metrics *metrics.Registry
	logger  *slog.Logger
	router  *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithBus enables the SSE stream endpoint.
func WithBus(b *events.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithMetrics mounts the registry at /metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(telemetry.ServiceName))
	r.Use(s.logRequests())

	r.GET("/setup/status", s.setupStatus)

	api := r.Group("/api")
	api.POST("/checkout", s.checkout)
	api.GET("/runtimes/:id", s.getRuntime)
	api.GET("/runtimes/:id/log", s.getLog)
	api.POST("/runtimes/:id/events", s.postEvent)
	api.GET("/runtimes/:id/stream", s.stream)
	api.GET("/orders/:order/runtime", s.getOrderRuntime)
	api.GET("/stock/:item", s.getStock)
	api.PUT("/stock/:item", s.putStock)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
