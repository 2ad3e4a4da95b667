// Package store defines the persistent bronze store used by the sync engine
// together with the record model it persists.
package store

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/civicdata/sf311-sync/internal/store Store

// Store is a single exclusively owned handle on the bronze table.
//
// Implementations are not safe for concurrent use; a sync run owns its store
// from watermark resolution until the load completes.
type Store interface {
	// MinRequested returns the earliest requested_datetime present, nil when the store is empty
	MinRequested(ctx context.Context) (*time.Time, error)

	// MaxUpdated returns the latest updated_datetime present, nil when no row carries one
	MaxUpdated(ctx context.Context) (*time.Time, error)

	// Upsert merges the batch atomically. Identifiers must be unique within the batch.
	Upsert(ctx context.Context, records []Record, policy ConflictPolicy) (*UpsertResult, error)

	// Count returns the number of rows in the bronze table
	Count(ctx context.Context) (int64, error)

	// Close releases the underlying connection
	Close(ctx context.Context) error
}

// ConflictPolicy decides what happens when an incoming identifier already exists
type ConflictPolicy string

const (
	// ConflictSkip inserts new identifiers and leaves existing rows untouched
	ConflictSkip ConflictPolicy = "skip"

	// ConflictOverwrite inserts new identifiers and overwrites every non-key
	// column of existing rows, refreshing inserted_at
	ConflictOverwrite ConflictPolicy = "overwrite"
)

// ParseConflictPolicy validates a policy name
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case ConflictSkip, ConflictOverwrite:
		return p, nil
	case "":
		return ConflictOverwrite, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// UpsertResult reports how a batch was merged
type UpsertResult struct {
	// Inserted counts identifiers that were new to the store
	Inserted int

	// Updated counts existing rows overwritten by the batch
	Updated int

	// Unchanged counts existing rows left as they were
	Unchanged int
}
