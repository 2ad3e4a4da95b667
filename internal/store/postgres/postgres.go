// Package postgres implements the bronze store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/civicdata/sf311-sync/internal/store"
)

const (
	defaultSchema = "bronze"
	defaultTable  = "sf_311_calls"

	// tempTable is dropped at commit; the store owns its connection so a fixed name is safe
	tempTable = "sf311_upsert_batch"
)

// Options selects the bronze table
type Options struct {
	Schema string
	Table  string
}

// Store is a store.Store backed by a single pgx connection
type Store struct {
	conn  *pgx.Conn
	table pgx.Identifier
}

var _ store.Store = (*Store)(nil)

// Connect opens a dedicated connection for one sync run
func Connect(ctx context.Context, connString string, opts Options) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	cfg := conn.Config()
	slog.Debug("Connected to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"user", cfg.User,
	)

	return New(conn, opts), nil
}

// New wraps an existing connection. The store takes ownership and closes it on Close.
func New(conn *pgx.Conn, opts Options) *Store {
	schema := opts.Schema
	if schema == "" {
		schema = defaultSchema
	}
	table := opts.Table
	if table == "" {
		table = defaultTable
	}
	return &Store{
		conn:  conn,
		table: pgx.Identifier{schema, table},
	}
}

// MinRequested returns the earliest requested_datetime as a parsed instant
func (s *Store) MinRequested(ctx context.Context) (*time.Time, error) {
	return s.extreme(ctx, "MIN", store.RequestedColumn)
}

// MaxUpdated returns the latest updated_datetime as a parsed instant
func (s *Store) MaxUpdated(ctx context.Context) (*time.Time, error) {
	return s.extreme(ctx, "MAX", store.UpdatedColumn)
}

// extreme aggregates over the cast timestamps, so a malformed stored value
// fails the query instead of skewing a lexical comparison.
func (s *Store) extreme(ctx context.Context, agg, column string) (*time.Time, error) {
	col := pgx.Identifier{column}.Sanitize()
	query := fmt.Sprintf(`SELECT %s(NULLIF(%s, '')::timestamp) FROM %s`, agg, col, s.table.Sanitize())

	var ts *time.Time
	if err := s.conn.QueryRow(ctx, query).Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query %s(%s): %w", strings.ToLower(agg), column, err)
	}
	if ts == nil {
		return nil, nil
	}
	utc := ts.UTC()
	return &utc, nil
}

// Count returns the number of rows in the bronze table
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table.Sanitize())
	if err := s.conn.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// Upsert merges the batch in a single transaction:
// 1. Creates a temp table shaped like the bronze table (ON COMMIT DROP)
// 2. COPYs the batch into it
// 3. Runs one INSERT ... SELECT ... ON CONFLICT against the bronze table
//
// Any failure rolls the whole batch back.
func (s *Store) Upsert(ctx context.Context, records []store.Record, policy store.ConflictPolicy) (*store.UpsertResult, error) {
	if len(records) == 0 {
		return &store.UpsertResult{}, nil
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row, err := rec.Row()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			slog.Warn("Failed to roll back upsert transaction", "error", rollbackErr)
		}
	}()

	createTemp := fmt.Sprintf(
		`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
		pgx.Identifier{tempTable}.Sanitize(), s.table.Sanitize(),
	)
	if _, err := tx.Exec(ctx, createTemp); err != nil {
		return nil, fmt.Errorf("failed to create temp table: %w", err)
	}

	columns := store.WriteColumns()
	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return nil, fmt.Errorf("failed to copy records to temp table: %w", err)
	}
	if int(copyCount) != len(rows) {
		return nil, fmt.Errorf("copy count mismatch: expected %d, got %d", len(rows), copyCount)
	}

	result, err := s.mergeFromTemp(ctx, tx, columns, policy, len(rows))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (s *Store) mergeFromTemp(
	ctx context.Context,
	tx pgx.Tx,
	columns []string,
	policy store.ConflictPolicy,
	batchSize int,
) (*store.UpsertResult, error) {
	query, err := buildMergeQuery(s.table, columns, policy)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert from temp table: %w", err)
	}
	defer rows.Close()

	result := &store.UpsertResult{}
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return nil, fmt.Errorf("failed to read upsert result: %w", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to upsert from temp table: %w", err)
	}

	result.Unchanged = batchSize - result.Inserted - result.Updated
	return result, nil
}

// buildMergeQuery returns the bulk upsert. RETURNING (xmax = 0) is true for
// freshly inserted rows and false for rows rewritten by DO UPDATE.
func buildMergeQuery(table pgx.Identifier, columns []string, policy store.ConflictPolicy) (string, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	colList := strings.Join(quoted, ", ")
	idCol := pgx.Identifier{store.IDColumn}.Sanitize()
	insertedAt := pgx.Identifier{store.InsertedAtColumn}.Sanitize()

	var conflict string
	switch policy {
	case store.ConflictSkip:
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", idCol)
	case store.ConflictOverwrite:
		sets := make([]string, 0, len(columns))
		for _, c := range quoted {
			if c == idCol {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", insertedAt, insertedAt))
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", idCol, strings.Join(sets, ", "))
	default:
		return "", fmt.Errorf("unknown conflict policy %q", policy)
	}

	return fmt.Sprintf(
		`INSERT INTO %s (%s, %s) SELECT %s, now() FROM %s %s RETURNING (xmax = 0)`,
		table.Sanitize(), colList, insertedAt,
		colList, pgx.Identifier{tempTable}.Sanitize(),
		conflict,
	), nil
}

// Close closes the underlying connection
func (s *Store) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
