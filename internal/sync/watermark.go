package sync

import (
	"context"
	"fmt"
	"time"
)

// WatermarkReader reads the persisted extremes. store.Store satisfies it.
type WatermarkReader interface {
	MinRequested(ctx context.Context) (*time.Time, error)
	MaxUpdated(ctx context.Context) (*time.Time, error)
}

// Watermark summarizes what the store already holds. Both fields are nil for
// an empty store; MaxUpdated is also nil when no stored row carries one.
type Watermark struct {
	MinRequested *Timestamp
	MaxUpdated   *Timestamp
}

// IsEmpty reports whether the store held no dated records
func (w Watermark) IsEmpty() bool {
	return w.MinRequested == nil
}

// ResolveWatermark reads the current watermark. It has no side effects and
// nothing is cached between runs.
func ResolveWatermark(ctx context.Context, r WatermarkReader) (Watermark, error) {
	minRequested, err := r.MinRequested(ctx)
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to read earliest requested_datetime: %w", err)
	}

	maxUpdated, err := r.MaxUpdated(ctx)
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to read latest updated_datetime: %w", err)
	}

	return Watermark{
		MinRequested: TimestampPtr(minRequested),
		MaxUpdated:   TimestampPtr(maxUpdated),
	}, nil
}
