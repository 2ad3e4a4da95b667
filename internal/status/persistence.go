// Package status provides run status tracking and persistence for the sync engine.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

// StatusPersistence defines the interface for run status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the run status to persistent storage
	SaveStatus(ctx context.Context, status *RunStatus) error

	// LoadStatus loads the run status from persistent storage.
	// Returns an empty RunStatus if nothing was saved yet (first run)
	LoadStatus(ctx context.Context) (*RunStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	path string
}

// NewFileStatusPersistence creates a new file-based status persistence writing to path
func NewFileStatusPersistence(path string) StatusPersistence {
	return &fileStatusPersistence{
		path: path,
	}
}

// SaveStatus writes the status as JSON through a temporary file and a rename
func (f *fileStatusPersistence) SaveStatus(_ context.Context, status *RunStatus) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}

	return nil
}

// LoadStatus reads the status file. A missing file yields an empty status.
func (f *fileStatusPersistence) LoadStatus(_ context.Context) (*RunStatus, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data: %w", err)
	}

	return &status, nil
}
