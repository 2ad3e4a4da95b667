package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/civicdata/sf311-sync/database"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the bronze schema up to date.
The database connection parameters are read from the config file.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	cfg, m, err := setupMigration()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if !yes && !confirm(fmt.Sprintf("Apply migrations to %s?", describeTarget(cfg.Database))) {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Info("Applying database migrations", "target", describeTarget(cfg.Database))
	if err := database.MigrateUp(m); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	displayMigrationVersion(m)
	return nil
}
