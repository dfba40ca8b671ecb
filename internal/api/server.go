// Package api exposes the orchestrator over HTTP with gin, using the JSON
// contract of the autoar dashboard, and provides a client for it.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/0x6d61/autoar/internal/metrics"
	"github.com/0x6d61/autoar/internal/scan"
)

// Service is the orchestrator surface the server needs.
// *orchestrator.Orchestrator implements it.
type Service interface {
	StartScan(ctx context.Context, target string, opts scan.Options) (string, error)
	StopScan(ctx context.Context, target string) error
	GetStatus(target string) (scan.Snapshot, error)
	List() []scan.Snapshot
	History(ctx context.Context, target string, limit int) ([]scan.Snapshot, error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Listen         string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Defaults fill the options a start request omits.
	Defaults scan.Options
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server serves the REST API.
type Server struct {
	svc    Service
	opts   ServerOptions
	router *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the router. It does not listen until Serve or
// ListenAndServe is called.
func NewServer(svc Service, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: opts.Logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	if len(opts.AllowedOrigins) > 0 {
		router.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/scan", s.startScan)
		apiGroup.DELETE("/scan/:domain", s.stopScan)
		apiGroup.GET("/scan/:domain", s.getStatus)
		apiGroup.GET("/scans", s.listScans)
		apiGroup.GET("/results/:domain", s.getResults)
		apiGroup.GET("/health", s.health)
	}
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	s.router = router
	s.http = &http.Server{
		Addr:         opts.Listen,
		Handler:      router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown. A graceful shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("api server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serving: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// requestLogger logs every request through slog; server errors at Warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case status >= http.StatusBadRequest:
			level = slog.LevelInfo
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}
