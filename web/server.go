package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck reports whether the process can serve traffic.
type HealthCheck func(ctx context.Context) error

type Server struct {
	lg          *zap.Logger
	engine      *gin.Engine
	mode        string
	port        int64
	healthCheck HealthCheck
	middlewares []gin.HandlerFunc
	server      *http.Server
}

type Option func(*Server)

func defaultServer() *Server {
	return &Server{
		mode: gin.ReleaseMode,
		port: 8080,
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		if mode != "" {
			s.mode = mode
		}
	}
}

func WithPort(port int64) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithMiddleware(handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, handler)
	}
}

func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) {
		s.healthCheck = check
	}
}

func New(lg *zap.Logger, opts ...Option) *Server {
	s := defaultServer()
	s.lg = lg
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.middlewares...)
	s.engine.Use(s.defaultHandler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the engine for route registration.
func (s *Server) Router() gin.IRouter {
	return s.engine
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens in the background. Listen errors are returned; serve errors
// are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	go func() {
		s.lg.Info("starting web server ...", zap.String("address", s.server.Addr))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.lg.Error("web server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.lg.Info("shutdown web server ...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown web server: %w", err)
	}
	s.lg.Info("web server exiting")
	return nil
}

func (s *Server) defaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case c.Request.URL.Path == "/":
			c.AbortWithStatus(http.StatusOK)
		case strings.HasSuffix(c.Request.URL.Path, "/healthcheck"):
			if s.healthCheck != nil {
				if err := s.healthCheck(c.Request.Context()); err != nil {
					c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
					return
				}
			}
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"status": "ok"})
		}
	}
}
