package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/api/auth"
	"github.com/mrkvm/sould/pkg/config"
)

// shutdownTimeout bounds graceful shutdown; in-flight relay uploads
// longer than this are dropped.
const shutdownTimeout = 10 * time.Second

// Server is the API HTTP server. It is created stopped; Start blocks
// until the context is cancelled.
type Server struct {
	server       *http.Server
	cfg          config.APIConfig
	shutdownOnce sync.Once
}

// NewServer builds the server, its JWT service, and the router.
func NewServer(cfg config.APIConfig, deps Deps) (*Server, error) {
	tokens, err := auth.NewService(auth.Config{
		Secret:   cfg.JWTSecret,
		TokenTTL: cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: NewRouter(cfg, tokens, deps),
			// Relay uploads stream for the lifetime of a transfer, so
			// only the header read is bounded.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		cfg: cfg,
	}, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server, waiting for in-flight requests up to the
// shutdown timeout.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down API server")
		err = s.server.Shutdown(ctx)
	})
	return err
}
