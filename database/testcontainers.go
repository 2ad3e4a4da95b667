package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "testdb"
	dbUser = "testuser"
	dbPass = "testpass"
)

// SetupTestDB creates a Postgres container using testcontainers and runs migrations.
// It returns an open connection, the connection string, and a cleanup function.
func SetupTestDB(t *testing.T) (*pgx.Conn, string, func()) {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := NewFromConnectionString(DriverPostgres, connStr)
	require.NoError(t, err)
	require.NoError(t, MigrateUp(m))
	_, _ = m.Close()

	db, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)

	cleanupFunc := func() {
		_ = db.Close(ctx)
		tc.CleanupContainer(t, postgresContainer)
	}

	return db, connStr, cleanupFunc
}
