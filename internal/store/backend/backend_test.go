package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdata/sf311-sync/database"
	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/store/sqlite"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     func(t *testing.T) *config.DatabaseConfig
		wantErr string
	}{
		{
			name: "nil config",
			cfg: func(*testing.T) *config.DatabaseConfig {
				return nil
			},
			wantErr: "database configuration is required",
		},
		{
			name: "unknown driver",
			cfg: func(*testing.T) *config.DatabaseConfig {
				return &config.DatabaseConfig{Driver: "mysql"}
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without password",
			cfg: func(t *testing.T) *config.DatabaseConfig {
				return &config.DatabaseConfig{
					Driver:       config.DriverPostgres,
					Host:         "localhost",
					User:         "root",
					Database:     "db",
					PasswordFile: filepath.Join(t.TempDir(), "missing"),
				}
			},
			wantErr: "failed to build connection string",
		},
		{
			name: "sqlite",
			cfg: func(t *testing.T) *config.DatabaseConfig {
				return &config.DatabaseConfig{
					Driver: config.DriverSQLite,
					Path:   filepath.Join(t.TempDir(), "bronze.db"),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := Open(context.Background(), tt.cfg(t))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &sqlite.Store{}, s)
			require.NoError(t, s.Close(context.Background()))
		})
	}
}

func TestMigrator_SQLite(t *testing.T) {
	t.Parallel()

	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "bronze.db"),
	}

	m, err := Migrator(cfg)
	require.NoError(t, err)
	defer func() { _, _ = m.Close() }()
	require.NoError(t, database.MigrateUp(m))

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background()) }()

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
