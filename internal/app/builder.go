package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/civicdata/sf311-sync/internal/api"
	"github.com/civicdata/sf311-sync/internal/archive"
	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/metrics"
	"github.com/civicdata/sf311-sync/internal/notify"
	"github.com/civicdata/sf311-sync/internal/socrata"
	"github.com/civicdata/sf311-sync/internal/status"
	"github.com/civicdata/sf311-sync/internal/store"
	"github.com/civicdata/sf311-sync/internal/store/backend"
	"github.com/civicdata/sf311-sync/internal/sync"
	"github.com/civicdata/sf311-sync/internal/sync/coordinator"
	"github.com/civicdata/sf311-sync/internal/telemetry"
	"github.com/civicdata/sf311-sync/internal/versions"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// Option configures how the application is assembled
type Option func(*appConfig) error

type appConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	runner      coordinator.Runner
	persistence status.StatusPersistence
	client      socrata.Client

	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...Option) (*appConfig, error) {
	cfg := &appConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.Metrics.GetListenAddress()
	}
	return cfg, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) Option {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) Option {
	return func(cfg *appConfig) error {
		if addr == "" {
			return nil
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRunner replaces the store-backed runner (for testing)
func WithRunner(r coordinator.Runner) Option {
	return func(cfg *appConfig) error {
		cfg.runner = r
		return nil
	}
}

// WithStatusPersistence replaces the status file (for testing)
func WithStatusPersistence(p status.StatusPersistence) Option {
	return func(cfg *appConfig) error {
		cfg.persistence = p
		return nil
	}
}

// WithSocrataClient replaces the HTTP client of the open data portal (for testing)
func WithSocrataClient(c socrata.Client) Option {
	return func(cfg *appConfig) error {
		cfg.client = c
		return nil
	}
}

// NewComponents wires the engine and its reporting for the given settings.
// The caller must Close the returned components.
func NewComponents(ctx context.Context, settings coordinator.Settings, opts ...Option) (*Components, error) {
	b, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return buildComponents(ctx, b, settings)
}

func buildComponents(ctx context.Context, b *appConfig, settings coordinator.Settings) (*Components, error) {
	cfg := b.config
	dataset := cfg.Source.GetDatasetID()

	tel, err := telemetry.New(ctx,
		telemetry.WithTelemetryConfig(telemetryConfig(cfg.Telemetry)),
		telemetry.WithDataset(dataset),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	comps := &Components{
		Telemetry: tel,
		Metrics:   metrics.NewCollector(dataset),
	}

	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			_ = comps.Close(context.WithoutCancel(ctx))
		}
	}()

	if b.runner == nil {
		b.runner, err = buildRunner(ctx, b, comps)
		if err != nil {
			return nil, err
		}
	}

	if b.persistence == nil {
		b.persistence = status.NewFileStatusPersistence(cfg.GetStatusPath())
	}

	var coordOpts []coordinator.Option

	syncMetrics, err := tel.RunMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}
	coordOpts = append(coordOpts, coordinator.WithSyncMetrics(syncMetrics))

	if cfg.NotifyEnabled() {
		publisher, err := notify.Dial(cfg.Notify)
		if err != nil {
			return nil, fmt.Errorf("failed to create notification publisher: %w", err)
		}
		comps.Publisher = publisher
		coordOpts = append(coordOpts, coordinator.WithPublisher(publisher))
		slog.Info("Run notifications enabled", "exchange", cfg.Notify.GetExchange())
	}

	comps.Coordinator = coordinator.New(b.runner, b.persistence, settings, coordOpts...)

	cleanupNeeded = false
	slog.Info("Sync components initialized", "dataset", dataset, "driver", cfg.Database.GetDriver())
	return comps, nil
}

// buildRunner builds the remote client, the extractor and the store-backed runner
func buildRunner(ctx context.Context, b *appConfig, comps *Components) (coordinator.Runner, error) {
	cfg := b.config
	tracer := comps.Telemetry.RunTracer()

	client := b.client
	if client == nil {
		token, err := cfg.Source.GetAppToken()
		if err != nil {
			return nil, fmt.Errorf("failed to read app token: %w", err)
		}
		if token == "" {
			slog.Warn("No Socrata app token configured, requests share the anonymous throttling pool")
		}
		dc, err := socrata.NewDefaultClient(socrata.Options{
			Domain:    cfg.Source.GetDomain(),
			DatasetID: cfg.Source.GetDatasetID(),
			AppToken:  token,
			Timeout:   cfg.Source.GetTimeout(),
			UserAgent: versions.UserAgent(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Socrata client: %w", err)
		}
		slog.Info("Socrata client configured", "endpoint", dc.Endpoint())
		client = dc
	}

	extractorOpts := []sync.ExtractorOption{
		sync.WithExtractorRecorder(comps.Metrics),
		sync.WithExtractorTracer(tracer),
	}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.New(ctx, cfg.Archive, cfg.Source.GetDatasetID())
		if err != nil {
			return nil, fmt.Errorf("failed to create page archiver: %w", err)
		}
		extractorOpts = append(extractorOpts, sync.WithPageArchiver(archiver))
		slog.Info("Raw page archive enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	extractor := sync.NewExtractor(client, sync.ExtractorConfig{
		PageSize:   cfg.Sync.GetPageSize(),
		PageDelay:  cfg.Sync.GetPageDelay(),
		RetryDelay: cfg.Sync.GetRetryDelay(),
		MaxRetries: cfg.Sync.MaxRetries,
	}, extractorOpts...)

	open := func(ctx context.Context) (store.Store, error) {
		return backend.Open(ctx, cfg.Database)
	}

	return coordinator.NewStoreRunner(open, extractor,
		sync.WithRecorder(comps.Metrics),
		sync.WithTracer(tracer),
		sync.WithLargeIncrementalThreshold(cfg.Sync.GetLargeIncrementalThreshold()),
	), nil
}

// telemetryConfig fills the service version from the build when unset
func telemetryConfig(c *telemetry.Config) *telemetry.Config {
	if c == nil || c.ServiceVersion != "" {
		return c
	}
	withVersion := *c
	withVersion.ServiceVersion = versions.GetVersionInfo().Version
	return &withVersion
}

// buildHTTPServer builds the ops HTTP server with router and middleware
func buildHTTPServer(b *appConfig, comps *Components) *http.Server {
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	router := api.NewServer(comps.Coordinator,
		api.WithMiddlewares(b.middlewares...),
		api.WithMetricsHandler(comps.Metrics.Handler()),
	)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server
}
