package sync

import (
	"fmt"
	"time"

	"github.com/civicdata/sf311-sync/internal/socrata"
)

// Timestamp is a Socrata floating timestamp
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, truncated to the millisecond precision Socrata keeps
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// ParseTimestamp parses a floating timestamp in its canonical or a compatible form
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := socrata.ParseFloatingTimestamp(s)
	if err != nil {
		return Timestamp{}, err
	}
	return NewTimestamp(t), nil
}

// StartOfDay builds the timestamp for midnight of a calendar date. Dates that
// do not exist, such as February 30th, are rejected rather than normalized.
// Years are limited to the four digits a SoQL literal accepts.
func StartOfDay(year, month, day int) (Timestamp, error) {
	if year < 1 || year > 9999 {
		return Timestamp{}, fmt.Errorf("invalid year %d", year)
	}
	if month < 1 || month > 12 {
		return Timestamp{}, fmt.Errorf("invalid month %d", month)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return Timestamp{}, fmt.Errorf("invalid date %04d-%02d-%02d", year, month, day)
	}
	return NewTimestamp(t), nil
}

// TimestampPtr converts an optional instant
func TimestampPtr(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	ts := NewTimestamp(*t)
	return &ts
}

// String renders the canonical text form, e.g. 2025-01-01T00:00:00.000
func (t Timestamp) String() string {
	return socrata.FormatFloatingTimestamp(t.Time)
}

// Literal renders the timestamp as a quoted SoQL literal
func (t Timestamp) Literal() string {
	return "'" + t.String() + "'"
}
