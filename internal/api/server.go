package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config is the HTTP surface configuration.
type Config struct {
	Port       int
	Mode       string
	CronSecret string
}

// Server wraps the http.Server to provide graceful shutdown.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates and configures a new API server.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	router := NewRouter(cfg, deps)
	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: deps.Logger.Named("api"),
	}
}

// Start runs the HTTP server in a new goroutine. Listen failures are sent on
// the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
		close(errc)
	}()
	return errc
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }
