package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/civicdata/sf311-sync/internal/metrics"
	"github.com/civicdata/sf311-sync/internal/notify"
	"github.com/civicdata/sf311-sync/internal/sync/coordinator"
	"github.com/civicdata/sf311-sync/internal/telemetry"
)

// Components groups everything a sync run needs besides its request
type Components struct {
	// Coordinator runs syncs and persists their status
	Coordinator *coordinator.Coordinator

	// Metrics is the Prometheus collector shared by the engine and the coordinator
	Metrics *metrics.Collector

	// Telemetry owns the OpenTelemetry providers
	Telemetry *telemetry.Telemetry

	// Publisher sends run summaries, nil when notifications are disabled
	Publisher notify.Publisher
}

// Close flushes telemetry and closes the broker connection
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close notification publisher: %w", err))
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Debug("Components closed")
	return nil
}
