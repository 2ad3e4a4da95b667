// Package database provides database migration tooling for the bronze store.
package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // registers the sqlite:// scheme
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

const (
	// DriverPostgres selects the PostgreSQL migration set
	DriverPostgres = "postgres"

	// DriverSQLite selects the SQLite migration set
	DriverSQLite = "sqlite"
)

// migrationsFromSource returns a migration source driver from the embedded migrations.
func migrationsFromSource(driver string) (source.Driver, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported migration driver: %s", driver)
	}
	return iofs.New(migrationsFS, "migrations/"+driver)
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
	Close() (error, error)
}

// NewFromConnectionString returns a new migration instance for the given driver.
// Postgres connection strings may use the postgres:// or postgresql:// scheme; the
// SQLite connection string is the database file path.
func NewFromConnectionString(driver, connString string) (Migrator, error) {
	d, err := migrationsFromSource(driver)
	if err != nil {
		return nil, err
	}

	databaseURL, err := migrationURL(driver, connString)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies every pending migration. No change is not an error.
func MigrateUp(m Migrator) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// MigrateDown reverts the given number of migrations; zero or less reverts all of them.
func MigrateDown(m Migrator, steps int) error {
	var err error
	if steps <= 0 {
		err = m.Down()
	} else {
		err = m.Steps(-steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func migrationURL(driver, connString string) (string, error) {
	if connString == "" {
		return "", fmt.Errorf("connection string is required")
	}

	switch driver {
	case DriverPostgres:
		for _, prefix := range []string{"postgres://", "postgresql://"} {
			if strings.HasPrefix(connString, prefix) {
				return "pgx5://" + strings.TrimPrefix(connString, prefix), nil
			}
		}
		if strings.HasPrefix(connString, "pgx5://") {
			return connString, nil
		}
		return "", fmt.Errorf("postgres connection string must be a URL")
	case DriverSQLite:
		if strings.HasPrefix(connString, "sqlite://") {
			return connString, nil
		}
		return "sqlite://" + connString, nil
	}
	return "", fmt.Errorf("unsupported migration driver: %s", driver)
}
