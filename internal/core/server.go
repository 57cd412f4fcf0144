// Package core provides the HTTP chassis for the mailroom API: a chi router
// with the cross-cutting middleware (request ids, logging, panic recovery,
// security headers) applied before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/config"
)

// Server bundles the router with its cross-cutting dependencies. Routes are
// mounted by the caller after construction so tests can register only what
// they exercise.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer builds a Server with the standard middleware chain installed.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Use(s.Recoverer)
	s.router.Use(RequestID)
	s.router.Use(SecurityHeaders)
	s.router.Use(RequestLogger(logger, []string{"Authorization", "X-Twilio-Email-Event-Webhook-Signature"}))

	s.router.Get("/health", s.HandleHealth)

	return s, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs the HTTP server until the context is canceled, then
// shuts down gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.Config.Server.Port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "port", s.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
