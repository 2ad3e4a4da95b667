package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/civicdata/sf311-sync/internal/store"
)

// LoadResult summarizes one load
type LoadResult struct {
	// Received is the number of records handed to the loader
	Received int

	// MissingID counts records dropped because they carried no identifier
	MissingID int

	// Duplicates counts earlier occurrences of an identifier superseded within the batch
	Duplicates int

	store.UpsertResult
}

// Loader merges normalized records into the store
type Loader struct {
	store store.Store
}

// NewLoader creates a loader writing to s
func NewLoader(s store.Store) *Loader {
	return &Loader{store: s}
}

// Load validates the batch, collapses duplicate identifiers so the last
// occurrence wins, and upserts the remainder in one atomic operation.
// Nothing is deleted; the store error is returned with its cause.
func (l *Loader) Load(ctx context.Context, records []store.Record, policy store.ConflictPolicy) (*LoadResult, error) {
	result := &LoadResult{Received: len(records)}

	batch, missing, duplicates := collapse(records)
	result.MissingID = missing
	result.Duplicates = duplicates

	if missing > 0 {
		slog.Warn("Skipping records without an identifier", "count", missing)
	}
	if duplicates > 0 {
		slog.Info("Collapsed duplicate identifiers in batch", "count", duplicates)
	}

	if len(batch) == 0 {
		return result, nil
	}

	upserted, err := l.store.Upsert(ctx, batch, policy)
	if err != nil {
		return result, fmt.Errorf("failed to upsert %d records: %w", len(batch), err)
	}
	result.UpsertResult = *upserted

	return result, nil
}

// collapse keeps the last occurrence of every identifier, at the position of
// its first occurrence, and drops records without one.
func collapse(records []store.Record) (batch []store.Record, missing, duplicates int) {
	index := make(map[string]int, len(records))
	batch = make([]store.Record, 0, len(records))

	for _, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			missing++
			continue
		}
		if i, seen := index[rec.ID]; seen {
			batch[i] = rec
			duplicates++
			continue
		}
		index[rec.ID] = len(batch)
		batch = append(batch, rec)
	}

	return batch, missing, duplicates
}
