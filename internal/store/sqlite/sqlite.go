// Package sqlite implements the bronze store on a local SQLite file using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/civicdata/sf311-sync/internal/socrata"
	"github.com/civicdata/sf311-sync/internal/store"
)

const (
	defaultTable = "sf_311_calls"

	// maxBindVars is SQLITE_MAX_VARIABLE_NUMBER for the bundled SQLite version
	maxBindVars = 32766

	insertedAtLayout = "2006-01-02T15:04:05.000Z"
)

// Options selects the bronze table
type Options struct {
	Table string
}

// Store is a store.Store backed by a SQLite database file
type Store struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the database file. The pool is capped at one connection so the
// store behaves as a single exclusively owned handle.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	slog.Debug("Opened sqlite database", "path", path)
	return New(db, opts), nil
}

// DSN returns the driver connection string for a database file
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
}

// New wraps an open database. The store takes ownership and closes it on Close.
func New(db *sql.DB, opts Options) *Store {
	table := opts.Table
	if table == "" {
		table = defaultTable
	}
	return &Store{
		db:    db,
		table: quoteIdent(table),
		now:   time.Now,
	}
}

// MinRequested returns the earliest requested_datetime as a parsed instant
func (s *Store) MinRequested(ctx context.Context) (*time.Time, error) {
	return s.extreme(ctx, store.RequestedColumn, "ASC")
}

// MaxUpdated returns the latest updated_datetime as a parsed instant
func (s *Store) MaxUpdated(ctx context.Context) (*time.Time, error) {
	return s.extreme(ctx, store.UpdatedColumn, "DESC")
}

// extreme orders by julianday so comparison happens on instants. Values that
// julianday cannot read sort first and then fail to parse, surfacing the bad row.
func (s *Store) extreme(ctx context.Context, column, direction string) (*time.Time, error) {
	col := quoteIdent(column)
	query := fmt.Sprintf(
		`SELECT %[1]s FROM %[2]s WHERE %[1]s IS NOT NULL AND %[1]s <> '' `+
			`ORDER BY julianday(%[1]s) IS NOT NULL, julianday(%[1]s) %[3]s LIMIT 1`,
		col, s.table, direction,
	)

	var raw string
	if err := s.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query %s: %w", column, err)
	}

	ts, err := socrata.ParseFloatingTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("stored %s is not a timestamp: %w", column, err)
	}
	return &ts, nil
}

// Count returns the number of rows in the bronze table
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// Upsert merges the batch with multi-row INSERT ... ON CONFLICT statements
// chunked under the bind-variable limit, all inside one transaction.
func (s *Store) Upsert(ctx context.Context, records []store.Record, policy store.ConflictPolicy) (*store.UpsertResult, error) {
	if len(records) == 0 {
		return &store.UpsertResult{}, nil
	}

	columns := append(store.WriteColumns(), store.InsertedAtColumn)
	conflict, err := conflictClause(columns, policy)
	if err != nil {
		return nil, err
	}

	insertedAt := s.now().UTC().Format(insertedAtLayout)
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row, err := rec.Row()
		if err != nil {
			return nil, err
		}
		rows = append(rows, append(row, insertedAt))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			slog.Warn("Failed to roll back upsert transaction", "error", rollbackErr)
		}
	}()

	result := &store.UpsertResult{}
	chunkSize := maxBindVars / len(columns)
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		existing, err := s.countExisting(ctx, tx, chunk)
		if err != nil {
			return nil, err
		}

		if err := s.insertChunk(ctx, tx, columns, conflict, chunk); err != nil {
			return nil, err
		}

		result.Inserted += len(chunk) - existing
		if policy == store.ConflictOverwrite {
			result.Updated += existing
		} else {
			result.Unchanged += existing
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func (s *Store) countExisting(ctx context.Context, tx *sql.Tx, chunk [][]any) (int, error) {
	ids := make([]any, len(chunk))
	for i, row := range chunk {
		ids[i] = row[0]
	}

	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s IN (%s)`,
		s.table, quoteIdent(store.IDColumn), placeholders(len(ids)))

	var n int
	if err := tx.QueryRowContext(ctx, query, ids...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to look up existing records: %w", err)
	}
	return n, nil
}

func (s *Store) insertChunk(ctx context.Context, tx *sql.Tx, columns []string, conflict string, chunk [][]any) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}

	tuple := "(" + placeholders(len(columns)) + ")"
	values := make([]string, len(chunk))
	args := make([]any, 0, len(chunk)*len(columns))
	for i, row := range chunk {
		values[i] = tuple
		args = append(args, row...)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s %s`,
		s.table, strings.Join(quoted, ", "), strings.Join(values, ", "), conflict)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert records: %w", err)
	}
	return nil
}

func conflictClause(columns []string, policy store.ConflictPolicy) (string, error) {
	idCol := quoteIdent(store.IDColumn)
	switch policy {
	case store.ConflictSkip:
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", idCol), nil
	case store.ConflictOverwrite:
		sets := make([]string, 0, len(columns))
		for _, c := range columns {
			if c == store.IDColumn {
				continue
			}
			q := quoteIdent(c)
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", idCol, strings.Join(sets, ", ")), nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", policy)
	}
}

// Close closes the database
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
