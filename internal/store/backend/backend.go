// Package backend opens the configured store implementation
package backend

import (
	"context"
	"fmt"

	"github.com/civicdata/sf311-sync/database"
	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/store"
	"github.com/civicdata/sf311-sync/internal/store/postgres"
	"github.com/civicdata/sf311-sync/internal/store/sqlite"
)

// Open connects to the store selected by the database driver.
// The caller owns the returned store and must close it.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	switch cfg.GetDriver() {
	case config.DriverPostgres:
		connString, err := cfg.GetConnectionString()
		if err != nil {
			return nil, fmt.Errorf("failed to build connection string: %w", err)
		}
		s, err := postgres.Connect(ctx, connString, postgres.Options{
			Schema: cfg.GetSchema(),
			Table:  cfg.GetTable(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.GetPath(), sqlite.Options{
			Table: cfg.GetTable(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Migrator returns a schema migrator for the configured database
func Migrator(cfg *config.DatabaseConfig) (database.Migrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	switch cfg.GetDriver() {
	case config.DriverPostgres:
		connString, err := cfg.GetConnectionString()
		if err != nil {
			return nil, fmt.Errorf("failed to build connection string: %w", err)
		}
		return database.NewFromConnectionString(database.DriverPostgres, connString)
	case config.DriverSQLite:
		return database.NewFromConnectionString(database.DriverSQLite, cfg.GetPath())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
