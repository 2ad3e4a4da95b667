package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/civicdata/sf311-sync/internal/app"
	"github.com/civicdata/sf311-sync/internal/metrics"
	"github.com/civicdata/sf311-sync/internal/store"
	"github.com/civicdata/sf311-sync/internal/sync"
	"github.com/civicdata/sf311-sync/internal/sync/coordinator"
)

var runCmd = &cobra.Command{
	Use:   "run YEAR MONTH DAY",
	Short: "Run one synchronization",
	Long: `Run one synchronization of records requested on or after the given date.

When the store holds nothing that old, every record requested since the date is
fetched. Otherwise only records updated after the newest stored update are.

Examples:
  # Sync everything requested since January 1st, 2025
  sf311-sync run 2025 1 1 --config config.yaml

  # Keep stored rows as they are
  sf311-sync run 2025 1 1 --config config.yaml --conflict-policy skip`,
	Args: cobra.ExactArgs(3),
	RunE: runSync,
}

func init() {
	runCmd.Flags().String("conflict-policy", "", "Override sync.conflictPolicy (skip or overwrite)")
	runCmd.Flags().String("pushgateway-url", "", "Override metrics.pushgatewayUrl")

	for _, name := range []string{"conflict-policy", "pushgateway-url"} {
		if err := viper.BindPFlag(name, runCmd.Flags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}
}

// parseStartDate validates the YEAR MONTH DAY arguments
func parseStartDate(args []string) (sync.Timestamp, error) {
	names := []string{"year", "month", "day"}
	parts := make([]int, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return sync.Timestamp{}, fmt.Errorf("%s must be an integer, got %q", names[i], arg)
		}
		parts[i] = n
	}
	return sync.StartOfDay(parts[0], parts[1], parts[2])
}

func runSync(_ *cobra.Command, args []string) error {
	from, err := parseStartDate(args)
	if err != nil {
		return fmt.Errorf("invalid start date: %w", err)
	}
	slog.Info("Requested start date", "requested_from", from.String())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	policyName := cfg.Sync.GetConflictPolicy()
	if override := viper.GetString("conflict-policy"); override != "" {
		policyName = override
	}
	policy, err := store.ParseConflictPolicy(policyName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := coordinator.Settings{
		Dataset: cfg.Source.GetDatasetID(),
		Request: sync.RunRequest{
			RequestedFrom:  from,
			ConflictPolicy: policy,
		},
	}

	comps, err := app.NewComponents(ctx, settings, app.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to close components", "error", err)
		}
	}()

	_, syncErr := comps.Coordinator.RunOnce(ctx)

	gateway := cfg.Metrics.GetPushgatewayURL()
	if override := viper.GetString("pushgateway-url"); override != "" {
		gateway = override
	}
	if err := comps.Metrics.Push(context.WithoutCancel(ctx), gateway, metrics.DefaultPushJob); err != nil {
		slog.Warn("Failed to push metrics", "error", err)
	}

	if syncErr != nil {
		return syncErr
	}
	return nil
}
