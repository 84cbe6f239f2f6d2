// Package server owns the HTTP surface: it builds the gateway engine from
// configuration, mounts the handlers behind the middleware chains and manages
// graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/config"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/gateway"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/handlers"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/middleware"
)

type Server struct {
	config  *config.Manager
	logger  *slog.Logger
	gateway *gateway.Gateway
	server  *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	return &Server{
		config: configManager,
		logger: logger,
	}
}

// Start builds the engine, serves until interrupted and shuts down cleanly.
func (s *Server) Start() error {
	cfg, err := s.config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	gw, err := gateway.New(cfg, s.logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	s.gateway = gw

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)
	defer gw.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.setupRoutes(),
	}

	s.logger.Info("Starting server", "address", addr, "providers", len(cfg.Providers))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.gateway != nil {
		s.gateway.Stop()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	proxyHandler := handlers.NewProxyHandler(s.gateway, s.logger)
	healthHandler := handlers.NewHealthHandler(s.gateway, s.logger)

	set := middleware.NewSet(s.config, s.logger)

	mux.Handle("/health", set.HealthChain().Handler(healthHandler))
	mux.Handle("/", set.DefaultChain().Handler(proxyHandler))

	return mux
}
