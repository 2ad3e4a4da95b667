package app

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civicdata/sf311-sync/database"
	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/store/backend"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing the bronze schema. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// setupMigration loads the configuration and opens a migrator on its database
func setupMigration() (*config.Config, database.Migrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	m, err := backend.Migrator(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return cfg, m, nil
}

func closeMigrator(m database.Migrator) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		slog.Warn("Error closing migration source", "error", srcErr)
	}
	if dbErr != nil {
		slog.Warn("Error closing migration database", "error", dbErr)
	}
}

// describeTarget names the database a migration applies to
func describeTarget(cfg *config.DatabaseConfig) string {
	if cfg.GetDriver() == config.DriverSQLite {
		return "sqlite:" + cfg.GetPath()
	}
	return fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.GetPort(), cfg.Database)
}

// confirm asks a yes/no question on stdin
func confirm(prompt string) bool {
	fmt.Printf("%s (yes/no): ", prompt)
	response, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}

func displayMigrationVersion(m database.Migrator) {
	version, dirty, err := m.Version()
	if err != nil {
		slog.Info("No migration applied")
		return
	}
	if dirty {
		slog.Warn("Current migration version is dirty, manual intervention may be required", "version", version)
		return
	}
	slog.Info("Current migration version", "version", version)
}
