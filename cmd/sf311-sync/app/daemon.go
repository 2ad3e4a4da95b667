package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/civicdata/sf311-sync/internal/app"
)

const defaultGracefulTimeout = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run synchronizations periodically",
	Long: `Run a synchronization immediately and then once per sync.interval, using
sync.requestedFrom as the start date. The daemon serves /health, /readiness,
/version, /status and /metrics while it runs.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("address", "", "Address of the ops HTTP server (defaults to metrics.listenAddress)")
	if err := viper.BindPFlag("address", daemonCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Error binding flag", "flag", "address", "error", err)
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	syncApp, err := app.NewSyncApp(ctx,
		app.WithConfig(cfg),
		app.WithAddress(viper.GetString("address")),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- syncApp.Start()
	}()

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
		if err := syncApp.Stop(defaultGracefulTimeout); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		if stopErr := syncApp.Stop(defaultGracefulTimeout); stopErr != nil {
			slog.Error("Failed to stop sync daemon", "error", stopErr)
		}
		return err
	}
}
