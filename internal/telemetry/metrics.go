package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/civicdata/sf311-sync/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync runs
type SyncMetrics struct {
	runDuration    metric.Float64Histogram
	recordsFetched metric.Int64Counter
}

// NewSyncMetrics creates the run instruments.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"sf311_sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	recordsFetched, err := meter.Int64Counter(
		"sf311_sync_records_fetched",
		metric.WithDescription("Records fetched from the remote dataset"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration:    runDuration,
		recordsFetched: recordsFetched,
	}, nil
}

// RecordRun records the duration and fetched volume of a run
func (m *SyncMetrics) RecordRun(ctx context.Context, dataset, mode string, duration time.Duration, fetched int, success bool) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("dataset", dataset),
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
	m.recordsFetched.Add(ctx, int64(fetched), attrs)
}
