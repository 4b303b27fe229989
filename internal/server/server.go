// Package server runs the synchronization cache HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nostr-sync/internal/api"
	"nostr-sync/internal/cache"
	"nostr-sync/internal/config"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/store"
	"nostr-sync/internal/synccache"
)

// Option configures Run
type Option func(*application)

type application struct {
	config *config.Config
	logger *slog.Logger
}

// WithConfig sets the configuration
func WithConfig(cfg *config.Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the logger built from the config
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// NewBackend builds the configured TTL cache backend
func NewBackend(ctx context.Context, cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return cache.NewRedisCache(ctx, cfg.RedisURL, cfg.Prefix)
	case config.BackendMemory, "":
		opts := cfg.Options()
		return cache.NewMemoryCache(opts.Capacity, opts.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Run serves the cache API until ctx is cancelled or a shutdown signal arrives
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = config.InitLogger(cfg.App.LogLevel)
	}

	logger.Info("configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("cache_backend", cfg.Cache.Backend))

	st, err := store.Open(ctx, cfg.Store.Options())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	backend, err := NewBackend(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer backend.Close()

	svc := synccache.New(synccache.Config{
		Store:    st,
		Backend:  backend,
		TTLs:     cfg.Cache.Options(),
		MaxBatch: cfg.Ingest.MaxBatch,
		Verifier: nostr.Verify,
		Logger:   logger,
	})
	router := api.NewRouter(svc, api.NewMetrics(svc, cfg.Cache.Backend))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownTimeout := cfg.App.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("application error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("server stopped")
	return nil
}
