package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// RunTracerName names the tracer that spans sync runs
const RunTracerName = "github.com/civicdata/sf311-sync/sync"

// AttrDataset tags the telemetry resource with the synchronized dataset
const AttrDataset = attribute.Key("socrata.dataset")

// Telemetry owns the OpenTelemetry providers of the process
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// shutdowns flush and stop the SDK providers, in creation order
	shutdowns []func(context.Context) error
}

// Option is a function that configures the telemetry setup
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config  *Config
	dataset string
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// WithDataset adds the dataset identifier to the exported resource
func WithDataset(id string) Option {
	return func(tc *telemetryConfig) {
		tc.dataset = id
	}
}

// New initializes telemetry. A nil or disabled configuration yields no-op
// providers. The caller must call Shutdown before exiting; for one-shot runs
// this is what exports the run's spans and measurements.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	tc := &telemetryConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := tc.config
	if cfg == nil || !cfg.Enabled {
		slog.Debug("Telemetry disabled")
		cfg = &Config{}
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	} else {
		slog.Info("Initializing telemetry",
			"service_name", cfg.GetServiceName(),
			"service_version", cfg.GetServiceVersion(),
			"dataset", tc.dataset)
	}

	var attrs []attribute.KeyValue
	if tc.dataset != "" {
		attrs = append(attrs, AttrDataset.String(tc.dataset))
	}

	t := &Telemetry{}

	tracerProvider, err := NewTracerProvider(ctx,
		WithTracerServiceName(cfg.GetServiceName()),
		WithTracerServiceVersion(cfg.GetServiceVersion()),
		WithTracingConfig(cfg.Tracing),
		WithTracerEndpoint(cfg.GetEndpoint()),
		WithTracerInsecure(cfg.Insecure),
		WithTracerAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	t.tracerProvider = tracerProvider
	if tp, ok := tracerProvider.(*sdktrace.TracerProvider); ok {
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}

	meterProvider, err := NewMeterProvider(ctx,
		WithMeterServiceName(cfg.GetServiceName()),
		WithMeterServiceVersion(cfg.GetServiceVersion()),
		WithMetricsConfig(cfg.Metrics),
		WithMeterEndpoint(cfg.GetEndpoint()),
		WithMeterInsecure(cfg.Insecure),
		WithMeterAttributes(attrs...),
	)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}
	t.meterProvider = meterProvider
	if mp, ok := meterProvider.(*sdkmetric.MeterProvider); ok {
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
	}

	return t, nil
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Tracer returns a named tracer
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.tracerProvider.Tracer(name, opts...)
}

// RunTracer returns the tracer used by the sync engine
func (t *Telemetry) RunTracer() trace.Tracer {
	return t.Tracer(RunTracerName)
}

// RunMetrics creates the run instruments on the configured meter provider
func (t *Telemetry) RunMetrics() (*SyncMetrics, error) {
	return NewSyncMetrics(t.meterProvider)
}

// Shutdown flushes and stops the SDK providers. It is safe to call more than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	shutdowns := t.shutdowns
	t.shutdowns = nil

	var errs []error
	for _, shutdown := range shutdowns {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to shutdown telemetry: %w", err)
	}

	slog.Debug("Telemetry shutdown complete")
	return nil
}
