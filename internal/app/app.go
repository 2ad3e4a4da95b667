// Package app assembles the sync engine, its reporting and the daemon's HTTP
// server from configuration, and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/sync/coordinator"
)

// SyncApp runs the periodic sync loop next to the ops HTTP server
type SyncApp struct {
	config     *config.Config
	components *Components
	httpServer *http.Server

	ctx        context.Context
	cancelFunc context.CancelFunc
}

// NewSyncApp builds the daemon from configuration. The start date, conflict
// policy and interval come from the sync section.
func NewSyncApp(ctx context.Context, opts ...Option) (*SyncApp, error) {
	b, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	settings, err := coordinator.SettingsFromConfig(b.config)
	if err != nil {
		return nil, err
	}

	comps, err := buildComponents(ctx, b, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}
	comps.Metrics.RegisterRuntimeCollectors()

	appCtx, cancel := context.WithCancel(ctx)
	return &SyncApp{
		config:     b.config,
		components: comps,
		httpServer: buildHTTPServer(b, comps),
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// Start runs the coordinator and the HTTP server. It blocks until both have
// stopped, and returns the first failure.
func (app *SyncApp) Start() error {
	g, gctx := errgroup.WithContext(app.ctx)

	g.Go(func() error {
		if err := app.components.Coordinator.Start(gctx); err != nil {
			return fmt.Errorf("sync coordinator failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("Server listening", "address", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.cancelFunc()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), defaultWriteTimeout)
		defer cancel()
		return app.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Stop gracefully stops the application with the given timeout. The
// coordinator finishes its current run first.
func (app *SyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down sync daemon")

	if err := app.components.Coordinator.Stop(); err != nil {
		slog.Error("Failed to stop sync coordinator", "error", err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if err := app.components.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("Sync daemon shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
