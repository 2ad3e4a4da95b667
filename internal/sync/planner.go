package sync

import (
	"fmt"
	"time"

	"github.com/civicdata/sf311-sync/internal/store"
)

// Mode labels how a window was chosen
type Mode string

const (
	// ModeHistorical pulls everything requested since the start date
	ModeHistorical Mode = "historical"

	// ModeIncremental pulls only records updated after the stored maximum
	ModeIncremental Mode = "incremental"
)

// Window is the slice of the remote dataset a run fetches
type Window struct {
	Mode          Mode
	RequestedFrom Timestamp

	// UpdatedAfter is nil when the whole window is pulled
	UpdatedAfter *Timestamp

	// Until is the run start. It is a soft bound kept for logging and is not
	// part of the predicate, so records updated mid-run are picked up next time.
	Until time.Time
}

// PlanWindow picks the window for a run. A start date earlier than anything
// stored, or an empty store, means a historical backfill; otherwise only
// records updated after the stored maximum are requested.
func PlanWindow(requestedFrom Timestamp, wm Watermark, now time.Time) Window {
	w := Window{
		RequestedFrom: requestedFrom,
		Until:         now,
	}

	if wm.MinRequested == nil || requestedFrom.Before(wm.MinRequested.Time) {
		w.Mode = ModeHistorical
		return w
	}

	w.Mode = ModeIncremental
	if wm.MaxUpdated != nil {
		updated := *wm.MaxUpdated
		w.UpdatedAfter = &updated
	}
	return w
}

// Predicate renders the SoQL $where clause for the window
func (w Window) Predicate() string {
	predicate := fmt.Sprintf("%s >= %s", store.RequestedColumn, w.RequestedFrom.Literal())
	if w.UpdatedAfter != nil {
		predicate += fmt.Sprintf(" AND %s > %s", store.UpdatedColumn, w.UpdatedAfter.Literal())
	}
	return predicate
}

// IsFiltered reports whether the window restricts on updated_datetime
func (w Window) IsFiltered() bool {
	return w.UpdatedAfter != nil
}
