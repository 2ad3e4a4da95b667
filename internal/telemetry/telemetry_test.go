package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		opts          []Option
		errorContains string
	}{
		{
			name: "no config provided",
		},
		{
			name: "disabled",
			opts: []Option{WithTelemetryConfig(&Config{Enabled: false})},
		},
		{
			name: "enabled with both signals off",
			opts: []Option{WithTelemetryConfig(&Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: false},
				Metrics: &MetricsConfig{Enabled: false},
			})},
		},
		{
			name: "invalid sampling",
			opts: []Option{WithTelemetryConfig(&Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: ptrFloat64(1.5)},
			})},
			errorContains: "invalid telemetry configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			tel, err := New(ctx, tt.opts...)
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)

			_, ok := tel.TracerProvider().(tracenoop.TracerProvider)
			assert.True(t, ok, "expected no-op tracer provider")
			_, ok = tel.MeterProvider().(noop.MeterProvider)
			assert.True(t, ok, "expected no-op meter provider")
			assert.NotNil(t, tel.Tracer("test"))

			require.NoError(t, tel.Shutdown(ctx))
			require.NoError(t, tel.Shutdown(ctx), "shutdown is idempotent")
		})
	}
}

func TestNew_SDKProviders(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	tel, err := New(ctx, WithTelemetryConfig(&Config{
		Enabled:  true,
		Endpoint: strings.TrimPrefix(server.URL, "http://"),
		Insecure: true,
		Tracing:  &TracingConfig{Enabled: true},
		Metrics:  &MetricsConfig{Enabled: true},
	}))
	require.NoError(t, err)

	_, okTracer := tel.TracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, okTracer, "expected SDK tracer provider")
	_, okMeter := tel.MeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, okMeter, "expected SDK meter provider")

	require.NoError(t, tel.Shutdown(ctx))
}

func TestTelemetry_RunInstrumentation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel, err := New(ctx, WithDataset("vw6y-z8j6"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	assert.NotNil(t, tel.RunTracer())

	m, err := tel.RunMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordRun(ctx, "vw6y-z8j6", "historical", time.Second, 10, true)
	})
}

func TestNewResource_DatasetAttribute(t *testing.T) {
	t.Parallel()

	res, err := newResource(context.Background(), DefaultServiceName, "v1.0.0", AttrDataset.String("vw6y-z8j6"))
	require.NoError(t, err)

	value, ok := res.Set().Value(AttrDataset)
	require.True(t, ok)
	assert.Equal(t, "vw6y-z8j6", value.AsString())

	name, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, DefaultServiceName, name.AsString())
}
