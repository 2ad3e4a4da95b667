package status

import (
	"time"

	"github.com/civicdata/sf311-sync/internal/sync"
)

// SyncPhase represents the current phase of a synchronization run
type SyncPhase string

const (
	// SyncPhaseSyncing means a run is in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last run completed successfully
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last run failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// RunStatus is the persisted outcome of the most recent run
type RunStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the status
	Message string `json:"message,omitempty"`

	// RunID identifies the most recent run
	RunID string `json:"runId,omitempty"`

	// Mode is the window mode chosen by the most recent run
	Mode sync.Mode `json:"mode,omitempty"`

	// Predicate is the SoQL filter sent by the most recent run
	Predicate string `json:"predicate,omitempty"`

	// RequestedFrom is the start date of the most recent run
	RequestedFrom string `json:"requestedFrom,omitempty"`

	// FailedOp names the phase that failed, empty on success
	FailedOp sync.Op `json:"failedOp,omitempty"`

	// LastAttempt is when the most recent run started
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of failed runs since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is when the last successful run finished
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// Duration is the wall time of the most recent run
	Duration string `json:"duration,omitempty"`

	Fetched   int `json:"fetched"`
	Pages     int `json:"pages"`
	Retries   int `json:"retries"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	MissingID int `json:"missingId"`

	Warnings []string `json:"warnings,omitempty"`
}

// Begin marks the status as in progress for a run starting at now
func (s *RunStatus) Begin(requestedFrom sync.Timestamp, now time.Time) {
	s.Phase = SyncPhaseSyncing
	s.Message = "Sync in progress"
	s.RequestedFrom = requestedFrom.String()
	s.LastAttempt = &now
	s.FailedOp = ""
	s.Warnings = nil
}

// Apply records the outcome of a run. Counters describe the most recent run
// only; AttemptCount accumulates failures until the next success.
func (s *RunStatus) Apply(result *sync.Result, syncErr *sync.Error) {
	if result != nil {
		s.RunID = result.RunID
		s.Mode = result.Mode
		s.Predicate = result.Predicate
		s.Duration = result.Duration().String()
		s.Fetched = result.Extract.Records
		s.Pages = result.Extract.Pages
		s.Retries = result.Extract.Retries
		s.Inserted = result.Load.Inserted
		s.Updated = result.Load.Updated
		s.Unchanged = result.Load.Unchanged
		s.MissingID = result.Load.MissingID
		s.Warnings = result.Warnings
		if !result.StartedAt.IsZero() {
			started := result.StartedAt
			s.LastAttempt = &started
		}
	}

	if syncErr != nil {
		s.Phase = SyncPhaseFailed
		s.Message = syncErr.Message
		s.FailedOp = syncErr.Op
		s.AttemptCount++
		return
	}

	s.Phase = SyncPhaseComplete
	s.Message = "Sync completed successfully"
	s.FailedOp = ""
	s.AttemptCount = 0
	if result != nil && !result.FinishedAt.IsZero() {
		finished := result.FinishedAt
		s.LastSyncTime = &finished
	}
}
