package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/inkwell/internal/autosave"
	"github.com/starford/inkwell/internal/client"
	"github.com/starford/inkwell/internal/mcpserver"
	"github.com/starford/inkwell/internal/offline"
	"github.com/starford/inkwell/internal/watcher"
)

const beaconWait = 5 * time.Second

var errServerNotReady = errors.New("server not ready")

// RunMCP serves the note tools over stdio for ownerID.
func RunMCP(ctx context.Context, ownerID string, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	if ownerID == "" {
		return fmt.Errorf("mcp: owner id is required")
	}
	n, err := openNotes(ctx, app.config, app.logger)
	if err != nil {
		return err
	}
	defer n.Close()

	app.logger.Info("mcp: serving on stdio", slog.String("owner", ownerID))
	return mcpserver.New(n.svc, ownerID).ServeStdio()
}

// RunPurge permanently deletes notes soft-deleted more than olderThan ago.
func RunPurge(ctx context.Context, olderThan time.Duration, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	n, err := openNotes(ctx, app.config, app.logger)
	if err != nil {
		return err
	}
	defer n.Close()

	purged, err := n.svc.PurgeDeleted(ctx, olderThan)
	if err != nil {
		return err
	}
	app.logger.Info("purge: done", slog.Int("count", purged), slog.String("older_than", olderThan.String()))
	return nil
}

// RunCompact removes stored bodies that no note refers to.
func RunCompact(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	n, err := openNotes(ctx, app.config, app.logger)
	if err != nil {
		return err
	}
	defer n.Close()

	removed, err := n.svc.CompactOrphans(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("compact: done", slog.Int("removed", removed))
	return nil
}

// autosaveClient is the client-side pipeline shared by watch and drain.
type autosaveClient struct {
	http     *client.Client
	bindings *watcher.Bindings
	orch     *autosave.Orchestrator
}

func openAutosaveClient(cfg *Config, logger *slog.Logger) (*autosaveClient, error) {
	if err := cfg.Client.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	hc, err := client.New(cfg.Client.ServerURL,
		client.WithToken(cfg.Client.Token),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	stage, err := offline.NewFSStage(filepath.Join(cfg.Offline.Dir, "staged"), cfg.Offline.Retention, logger)
	if err != nil {
		return nil, err
	}
	bindings, err := watcher.LoadBindings(filepath.Join(cfg.Offline.Dir, "bindings.json"), logger)
	if err != nil {
		return nil, err
	}
	orch := autosave.New(hc, stage,
		autosave.WithConfig(cfg.AutoSave.Orchestrator()),
		autosave.WithBeacon(hc),
		autosave.WithLogger(logger),
		autosave.OnBound(bindings.Observe),
		autosave.OnError(func(sessionID string, err error) {
			logger.Error("autosave: save failed", slog.String("session", sessionID), slog.String("error", err.Error()))
		}),
	)
	return &autosaveClient{http: hc, bindings: bindings, orch: orch}, nil
}

// drain replays staged records if the server is reachable.
func (a *autosaveClient) drain(ctx context.Context, logger *slog.Logger) error {
	if err := a.http.Ready(ctx); err != nil {
		logger.Debug("drain: server not ready", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", errServerNotReady, err)
	}
	outcomes, err := a.orch.Drain(ctx)
	if err != nil {
		return err
	}
	if len(outcomes) > 0 {
		logger.Info("drain: replayed staged changes", slog.Int("count", len(outcomes)))
	}
	return offline.Failed(outcomes)
}

// drainLoop drains every interval until ctx is done. An unreachable server is
// expected while offline; any other failure is logged.
func (a *autosaveClient) drainLoop(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.drain(ctx, logger); err != nil && !errors.Is(err, errServerNotReady) && ctx.Err() == nil {
			logger.Warn("drain: staged changes failed to replay", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunDrain replays the offline stage once.
func RunDrain(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	ac, err := openAutosaveClient(app.config, app.logger)
	if err != nil {
		return err
	}
	defer ac.orch.Close()
	return ac.drain(ctx, app.logger)
}

// RunWatch autosaves every markdown file of the configured workspace until
// interrupted. On shutdown pending edits are saved, and whatever could not
// be saved in time is handed to the emergency-save endpoint.
func RunWatch(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger

	ac, err := openAutosaveClient(cfg, logger)
	if err != nil {
		return err
	}
	defer ac.orch.Close()

	if err := os.MkdirAll(cfg.Client.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	w := watcher.New(cfg.Client.Workspace, cfg.Client.OwnerID, ac.orch, ac.bindings, watcher.WithLogger(logger))
	if err := w.Scan(); err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}

	logger.Info("watch: started",
		slog.String("workspace", cfg.Client.Workspace),
		slog.String("server", cfg.Client.ServerURL),
		slog.String("owner", cfg.Client.OwnerID))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gCtx)
	})

	g.Go(func() error {
		ac.drainLoop(gCtx, cfg.Client.DrainInterval, logger)
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)
		return errShutdown
	})

	runErr := g.Wait()
	if errors.Is(runErr, errShutdown) {
		runErr = nil
	}
	if runErr != nil {
		logger.Error("watch: error", slog.String("error", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.ShutdownTimeout)
	defer cancel()
	if err := ac.orch.SaveAllPending(shutdownCtx); err != nil {
		logger.Warn("watch: pending saves failed", slog.String("error", err.Error()))
	}
	ac.orch.Unload()
	if !ac.http.Wait(beaconWait) {
		logger.Warn("watch: emergency saves still in flight at exit")
	}

	logger.Info("watch: stopped")
	return runErr
}
