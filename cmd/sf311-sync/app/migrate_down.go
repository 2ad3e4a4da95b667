package app

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/civicdata/sf311-sync/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Migrate the database down",
	Long: `Migrate the bronze schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  sf311-sync migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: drops the bronze table)
  sf311-sync migrate down --config config.yaml --yes`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if numSteps > math.MaxInt32 {
		return fmt.Errorf("number of steps exceeds maximum allowed value")
	}

	if err := confirmMigrateDown(cmd, numSteps); err != nil {
		return err
	}

	_, m, err := setupMigration()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if numSteps == 0 {
		slog.Warn("Migrating down all steps, this removes the bronze table")
	} else {
		slog.Info("Migrating down", "steps", numSteps)
	}

	if err := database.MigrateDown(m, int(numSteps)); err != nil { // #nosec G115 -- bounded above
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	displayMigrationVersion(m)
	return nil
}

func confirmMigrateDown(cmd *cobra.Command, numSteps uint) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return nil
	}

	prompt := fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	if numSteps == 0 {
		prompt = "WARNING: This will migrate down ALL steps and drop the bronze table. Continue?"
	}

	if !confirm(prompt) {
		slog.Info("Migration cancelled")
		return fmt.Errorf("migration cancelled by user")
	}
	return nil
}
