// Package server wires the reference sync server: router, middleware and background jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/config"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/jwt"
	"github.com/iudanet/fieldsync/internal/server/middleware"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

const (
	// purgeInterval период очистки устаревших ключей идемпотентности
	purgeInterval = time.Hour

	readHeaderTimeout = 10 * time.Second
)

// Storage is everything the server needs from its database.
type Storage interface {
	storage.EntityStorage
	Ping(ctx context.Context) error
}

// Server is the reference authoritative store behind the sync protocol.
type Server struct {
	logger  *slog.Logger
	store   Storage
	tokens  *jwt.Service
	hub     *handlers.ChangeHub
	limiter *middleware.RateLimiter
	handler http.Handler
	now     func() time.Time
	cfg     config.ServerConfig
}

// New creates the server and builds its routes
func New(logger *slog.Logger, cfg config.ServerConfig, store Storage, tokens *jwt.Service, version string) *Server {
	s := &Server{
		logger: logger,
		store:  store,
		tokens: tokens,
		hub:    handlers.NewChangeHub(),
		now:    time.Now,
		cfg:    cfg,
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow, logger)
	}
	s.handler = s.routes(version)
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes(version string) http.Handler {
	health := handlers.NewHealthHandler(s.logger, s.store, version)
	syncHandler := handlers.NewSyncHandler(s.logger, s.store, s.hub)
	feed := handlers.NewChangeFeedHandler(s.logger, s.hub, s.store)

	r := chi.NewRouter()
	r.Use(middleware.RecoveryMiddleware(s.logger))
	r.Use(middleware.LoggingWithSkip(s.logger, []string{"/health"}))

	r.Get("/health", health.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(s.logger, s.tokens))
		if s.limiter != nil {
			r.Use(middleware.RateLimitMiddleware(s.limiter, s.logger))
		}

		r.Post("/push", syncHandler.Push)
		r.Get("/pull", syncHandler.Pull)
		r.Get("/changes", feed.Changes)
	})

	return r
}

// Run serves HTTP on the configured address until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Server started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.purgeLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(srv)
	})

	return g.Wait()
}

func (s *Server) shutdown(srv *http.Server) error {
	s.logger.Info("Shutting down server")

	// websocket-подписки не завершаются через Shutdown, закрываем их явно
	s.hub.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// purgeLoop periodically drops idempotency keys older than the retention window
func (s *Server) purgeLoop(ctx context.Context) {
	if s.cfg.IdempotencyRetention <= 0 {
		return
	}

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		s.purgeIdempotency(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) purgeIdempotency(ctx context.Context) {
	before := s.now().Add(-s.cfg.IdempotencyRetention)
	n, err := s.store.PurgeIdempotency(ctx, before)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to purge idempotency keys", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("Purged idempotency keys", "count", n, "before", before)
	}
}
