package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdata/sf311-sync/database"
	"github.com/civicdata/sf311-sync/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bronze.db")
	m, err := database.NewFromConnectionString(database.DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, database.MigrateUp(m))
	_, _ = m.Close()

	s, err := Open(context.Background(), path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func record(id, requested, updated, status string) store.Record {
	return store.Record{
		ID: id,
		Fields: map[string]store.Value{
			store.RequestedColumn: store.Text(requested),
			store.UpdatedColumn:   store.Text(updated),
			"status_description":  store.Text(status),
		},
	}
}

type row struct {
	status     sql.NullString
	extra      sql.NullString
	insertedAt string
}

func readRow(t *testing.T, s *Store, id string) row {
	t.Helper()
	var r row
	err := s.db.QueryRow(
		`SELECT status_description, extra_fields, inserted_at FROM sf_311_calls WHERE service_request_id = ?`, id,
	).Scan(&r.status, &r.extra, &r.insertedAt)
	require.NoError(t, err)
	return r
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", Options{})
	require.Error(t, err)
}

func TestStore_EmptyWatermarks(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	minReq, err := s.MinRequested(ctx)
	require.NoError(t, err)
	assert.Nil(t, minReq)

	maxUpd, err := s.MaxUpdated(ctx)
	require.NoError(t, err)
	assert.Nil(t, maxUpd)
}

func TestStore_Watermarks(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []store.Record{
		record("1", "2025-01-10T00:00:00.000", "2025-02-01T08:00:00.000", "Open"),
		// Lexically smaller than the others only because of the missing fraction
		record("2", "2025-01-09T23:59:59", "2025-01-20T00:00:00.000", "Open"),
		record("3", "2025-01-11T00:00:00.000", "", "Open"),
	}, store.ConflictOverwrite)
	require.NoError(t, err)

	minReq, err := s.MinRequested(ctx)
	require.NoError(t, err)
	require.NotNil(t, minReq)
	assert.True(t, time.Date(2025, 1, 9, 23, 59, 59, 0, time.UTC).Equal(*minReq))

	maxUpd, err := s.MaxUpdated(ctx)
	require.NoError(t, err)
	require.NotNil(t, maxUpd)
	assert.True(t, time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC).Equal(*maxUpd))
}

func TestStore_MaxUpdatedNilWhenNoneSet(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []store.Record{
		{ID: "1", Fields: map[string]store.Value{store.RequestedColumn: store.Text("2025-01-01T00:00:00.000")}},
	}, store.ConflictOverwrite)
	require.NoError(t, err)

	minReq, err := s.MinRequested(ctx)
	require.NoError(t, err)
	assert.NotNil(t, minReq)

	maxUpd, err := s.MaxUpdated(ctx)
	require.NoError(t, err)
	assert.Nil(t, maxUpd)
}

func TestStore_UnparseableTimestampFails(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []store.Record{
		record("1", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
		record("2", "2025-01-02T00:00:00.000", "last tuesday", "Open"),
	}, store.ConflictOverwrite)
	require.NoError(t, err)

	_, err = s.MaxUpdated(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a timestamp")
}

func TestStore_Idempotent(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	batch := []store.Record{
		record("1", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
		record("2", "2025-01-01T00:00:00.000", "2025-01-02T00:00:00.000", "Open"),
	}

	first, err := s.Upsert(ctx, batch, store.ConflictOverwrite)
	require.NoError(t, err)
	assert.Equal(t, &store.UpsertResult{Inserted: 2}, first)

	before := readRow(t, s, "2")

	second, err := s.Upsert(ctx, batch, store.ConflictOverwrite)
	require.NoError(t, err)
	assert.Equal(t, &store.UpsertResult{Updated: 2}, second)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	after := readRow(t, s, "2")
	assert.Equal(t, before.status, after.status)
	assert.Equal(t, before.extra, after.extra)
}

func TestStore_SkipPreservesFirstRow(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []store.Record{
		record("A", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
	}, store.ConflictSkip)
	require.NoError(t, err)

	result, err := s.Upsert(ctx, []store.Record{
		record("A", "2025-01-01T00:00:00.000", "2025-01-05T00:00:00.000", "Closed"),
		record("B", "2025-01-02T00:00:00.000", "2025-01-05T00:00:00.000", "Open"),
	}, store.ConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, &store.UpsertResult{Inserted: 1, Unchanged: 1}, result)

	assert.Equal(t, "Open", readRow(t, s, "A").status.String)
	assert.Equal(t, "Open", readRow(t, s, "B").status.String)
}

func TestStore_OverwriteMergesAndRefreshesInsertedAt(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, err := s.Upsert(ctx, []store.Record{
		record("A", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
	}, store.ConflictOverwrite)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", readRow(t, s, "A").insertedAt)

	clock = clock.Add(24 * time.Hour)
	changed := record("A", "2025-01-01T00:00:00.000", "2025-01-02T00:00:00.000", "Closed")
	changed.Fields["brand_new"] = store.Text("x")
	result, err := s.Upsert(ctx, []store.Record{changed}, store.ConflictOverwrite)
	require.NoError(t, err)
	assert.Equal(t, &store.UpsertResult{Updated: 1}, result)

	got := readRow(t, s, "A")
	assert.Equal(t, "Closed", got.status.String)
	assert.Equal(t, "2025-01-02T00:00:00.000Z", got.insertedAt)
	assert.JSONEq(t, `{"brand_new":"x"}`, got.extra.String)

	maxUpd, err := s.MaxUpdated(ctx)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC).Equal(*maxUpd))
}

func TestStore_LargeBatchIsChunked(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	columns := len(store.WriteColumns()) + 1
	n := (maxBindVars/columns)*2 + 7

	batch := make([]store.Record, n)
	for i := range batch {
		batch[i] = record(fmt.Sprintf("%06d", i), "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open")
	}

	result, err := s.Upsert(ctx, batch, store.ConflictOverwrite)
	require.NoError(t, err)
	assert.Equal(t, n, result.Inserted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), count)
}

func TestStore_FailedBatchRollsBack(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	bad := record("2", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open")
	bad.Fields["broken"] = store.Structured([]byte(`{`))

	_, err := s.Upsert(ctx, []store.Record{
		record("1", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
		bad,
	}, store.ConflictOverwrite)
	require.Error(t, err)

	_, err = s.Upsert(ctx, []store.Record{
		record("1", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
	}, store.ConflictPolicy("merge"))
	require.Error(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_RollbackOnStatementFailure(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []store.Record{
		record("keep", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
	}, store.ConflictOverwrite)
	require.NoError(t, err)

	// Point the store at a missing table so the statement fails mid-transaction.
	broken := New(s.db, Options{Table: "missing_table"})
	_, err = broken.Upsert(ctx, []store.Record{
		record("new", "2025-01-01T00:00:00.000", "2025-01-01T00:00:00.000", "Open"),
	}, store.ConflictOverwrite)
	require.Error(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
