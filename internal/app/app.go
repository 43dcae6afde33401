// Package app wires configuration into a running copy-trading service: it
// connects the enabled backends, builds the venue and trade feed, assembles
// the pipeline and owns its lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polymirror/internal/config"
	"github.com/alanyoungcy/polymirror/internal/domain"
)

// stopTimeout bounds the whole shutdown, drain grace included.
const stopTimeout = time.Minute

// App is the root application object. Cleanup functions registered while
// wiring run in reverse order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts the service and blocks until ctx is
// cancelled or the pipeline fails. A cancelled ctx is a clean shutdown and
// returns nil.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Int("watched", len(a.cfg.Monitor.Watch)),
		slog.String("feed", a.cfg.Feed.Source),
		slog.String("sizing", a.cfg.Sizing.Mode),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	vh, err := openVenue(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, vh.close)

	svc := buildPipeline(a.cfg, deps, vh, a.logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case <-svc.Done():
		runErr = svc.Err()
		a.logger.Error("pipeline stopped", slog.Any("error", runErr))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// ResetCursors clears the durable cursor of each address so the next start
// begins from the feed's initial position. It needs Postgres: memory
// cursors do not outlive the process anyway.
func (a *App) ResetCursors(ctx context.Context, addresses []string) error {
	if !a.cfg.Postgres.Enabled {
		return errors.New("app: reset cursor: postgres is disabled, nothing is persisted")
	}
	cfg := *a.cfg
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false
	deps, cleanup, err := Wire(ctx, &cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: reset cursor: %w", err)
	}
	defer cleanup()

	var errs []error
	for _, addr := range addresses {
		addr = domain.NormalizeAddress(addr)
		if err := deps.Cursors.ResetCursor(ctx, addr); err != nil {
			errs = append(errs, fmt.Errorf("app: reset cursor %s: %w", addr, err))
			continue
		}
		a.logger.InfoContext(ctx, "cursor reset", slog.String("address", addr))
		if err := deps.Audit.Log(ctx, "cursor_reset", map[string]any{"address": addr}); err != nil {
			a.logger.WarnContext(ctx, "audit cursor reset", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}

// Close tears down resources in reverse registration order. It is safe to
// call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
