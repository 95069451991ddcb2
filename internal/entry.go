// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/starford/inkwell/internal/api"
	"github.com/starford/inkwell/internal/contentstore"
	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/linkgraph"
	"github.com/starford/inkwell/internal/noteservice"
	"github.com/starford/inkwell/internal/sse"
)

const graphThrottle = 2 * time.Second

// notes is the server-side persistence stack.
type notes struct {
	db  *index.DB
	svc *noteservice.Service
}

func (n *notes) Close() error {
	return n.db.Close()
}

// openNotes builds the content store, metadata index, link maintainer and
// note service from cfg.
func openNotes(ctx context.Context, cfg *Config, logger *slog.Logger, extra ...noteservice.Option) (*notes, error) {
	if cfg.Content.Type == contentstore.BackendFilesystem {
		if err := os.MkdirAll(cfg.Content.FS.Root, 0o755); err != nil {
			return nil, fmt.Errorf("create content dir: %w", err)
		}
	}
	backend, err := contentstore.NewBackendFromConfig(ctx, cfg.Content.BackendConfig)
	if err != nil {
		return nil, fmt.Errorf("init content store: %w", err)
	}
	store := contentstore.New(backend,
		contentstore.WithRetryBaseDelay(cfg.Content.RetryBaseDelay),
		contentstore.WithLogger(logger),
	)

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	opts := []noteservice.Option{
		noteservice.WithRetryAttempts(cfg.Content.RetryAttempts),
		noteservice.WithBackups(cfg.Content.BackupBeforeOverwrite),
		noteservice.WithLogger(logger),
	}
	svc := noteservice.NewService(store, db, linkgraph.New(db, logger), append(opts, extra...)...)
	return &notes{db: db, svc: svc}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("content_backend", cfg.Content.Type),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(graphThrottle, logger)
	defer broker.Close()

	n, err := openNotes(ctx, cfg, logger, noteservice.WithEvents(broker))
	if err != nil {
		return err
	}
	defer n.Close()

	router := api.NewRouter(n.svc, api.RouterConfig{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Events:      broker,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Purge soft-deleted notes in the background.
	if cfg.Content.PurgeAfter > 0 && cfg.Content.PurgeInterval > 0 {
		g.Go(func() error {
			purgeLoop(gCtx, n.svc, cfg.Content.PurgeAfter, cfg.Content.PurgeInterval, logger)
			return nil
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group's context once a shutdown was requested so
// background loops stop with the server.
var errShutdown = errors.New("shutdown requested")

// waitForShutdown blocks until SIGINT/SIGTERM or ctx is done.
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}

func purgeLoop(ctx context.Context, svc *noteservice.Service, olderThan, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := svc.PurgeDeleted(ctx, olderThan)
			if err != nil {
				logger.Warn("purge: failed", slog.String("error", err.Error()))
				continue
			}
			if purged > 0 {
				logger.Info("purge: removed deleted notes", slog.Int("count", purged))
			}
		}
	}
}
