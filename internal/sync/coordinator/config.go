package coordinator

import (
	"fmt"
	"time"

	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/store"
	"github.com/civicdata/sf311-sync/internal/sync"
)

// Settings are the per-daemon inputs of every scheduled run
type Settings struct {
	Dataset  string
	Request  sync.RunRequest
	Interval time.Duration
}

// SettingsFromConfig builds daemon settings. A start date is required since
// the daemon has no command line arguments to take it from.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	if cfg.Sync.RequestedFrom == "" {
		return Settings{}, fmt.Errorf("sync.requestedFrom is required to run as a daemon")
	}

	day, err := time.Parse(time.DateOnly, cfg.Sync.RequestedFrom)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid sync.requestedFrom: %w", err)
	}
	from, err := sync.StartOfDay(day.Year(), int(day.Month()), day.Day())
	if err != nil {
		return Settings{}, err
	}

	policy, err := store.ParseConflictPolicy(cfg.Sync.GetConflictPolicy())
	if err != nil {
		return Settings{}, err
	}

	return Settings{
		Dataset: cfg.Source.GetDatasetID(),
		Request: sync.RunRequest{
			RequestedFrom:  from,
			ConflictPolicy: policy,
		},
		Interval: cfg.Sync.GetInterval(),
	}, nil
}
