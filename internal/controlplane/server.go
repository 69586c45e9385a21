// Package controlplane serves a small local HTTP API to inspect the running
// bot and its Prometheus metrics.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	// Addr to bind. An empty address disables the server.
	Addr string
	// Token protects /v1. Empty disables auth.
	Token string
}

// Source is what the control plane reports on.
type Source interface {
	Status(ctx context.Context) (*Status, error)
	Users(ctx context.Context) []User
	Changes(ctx context.Context, since time.Time) ([]Change, error)
	RequestFetch(ctx context.Context, cid string) error
}

type Server struct {
	config Config
	engine *gin.Engine
	server *http.Server
}

func New(config Config, src Source) *Server {
	return &Server{
		config: config,
		engine: newRouter(config, src),
	}
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Addr == "" {
		slog.Info("control plane disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", ln.Addr()), "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("control plane stop")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control plane shutdown: %w", err)
	}
	return nil
}
