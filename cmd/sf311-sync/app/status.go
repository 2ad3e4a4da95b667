package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/civicdata/sf311-sync/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of the most recent run as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := status.NewFileStatusPersistence(cfg.GetStatusPath()).LoadStatus(context.Background())
		if err != nil {
			return err
		}

		output, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format status: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
		return err
	},
}
