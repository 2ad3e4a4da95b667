package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	stdsync "sync"
	"time"

	"github.com/civicdata/sf311-sync/internal/notify"
	"github.com/civicdata/sf311-sync/internal/status"
	"github.com/civicdata/sf311-sync/internal/sync"
	"github.com/civicdata/sf311-sync/internal/telemetry"
)

// jitterFraction bounds the random offset applied to the interval (±10%)
const jitterFraction = 0.1

// ErrAlreadyStarted is returned by Start on a coordinator that has been started before
var ErrAlreadyStarted = errors.New("sync coordinator already started")

// Coordinator runs syncs and keeps their status
type Coordinator struct {
	runner      Runner
	persistence status.StatusPersistence
	settings    Settings

	publisher   notify.Publisher
	syncMetrics *telemetry.SyncMetrics
	now         func() time.Time
	jitter      func(time.Duration) time.Duration

	mu     stdsync.Mutex
	status *status.RunStatus
	loaded bool

	lifecycle  stdsync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithPublisher publishes a summary after every run
func WithPublisher(p notify.Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithSyncMetrics sets the OpenTelemetry run instruments
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.syncMetrics = metrics
	}
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithJitter overrides how the interval is randomized
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(c *Coordinator) {
		c.jitter = fn
	}
}

// New creates a coordinator with injected dependencies
func New(runner Runner, persistence status.StatusPersistence, settings Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		runner:      runner,
		persistence: persistence,
		settings:    settings,
		now:         time.Now,
		jitter:      jitteredInterval,
		status:      &status.RunStatus{},
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// jitteredInterval spreads runs of several instances hitting the same portal
func jitteredInterval(base time.Duration) time.Duration {
	spread := int64(float64(base) * jitterFraction)
	if spread <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	return base + time.Duration(rand.Int64N(2*spread)-spread)
}

// Start runs a sync immediately and then once per interval until ctx is
// cancelled or Stop is called. A coordinator can be started only once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.cancelFunc != nil {
		c.lifecycle.Unlock()
		return ErrAlreadyStarted
	}
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.lifecycle.Unlock()
	defer func() {
		close(c.done)
		slog.Info("Sync coordinator shutting down")
	}()

	interval := c.jitter(c.settings.Interval)
	slog.Info("Starting sync coordinator",
		"dataset", c.settings.Dataset,
		"requested_from", c.settings.Request.RequestedFrom.String(),
		"base_interval", c.settings.Interval.String(),
		"actual_interval", interval.String())

	_, _ = c.RunOnce(coordCtx)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			_, _ = c.RunOnce(coordCtx)
			timer.Reset(c.jitter(c.settings.Interval))
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to return
func (c *Coordinator) Stop() error {
	c.lifecycle.Lock()
	cancel := c.cancelFunc
	c.lifecycle.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		<-c.done
	}
	return nil
}

// Status returns a copy of the current run status
func (c *Coordinator) Status() status.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.status
}

// RunOnce performs one run with the configured request, persisting the
// status before and after it
func (c *Coordinator) RunOnce(ctx context.Context) (*sync.Result, *sync.Error) {
	if err := c.loadStatus(ctx); err != nil {
		slog.Warn("Starting from an empty status", "error", err)
	}

	req := c.settings.Request
	started := c.now()

	c.updateStatus(ctx, func(s *status.RunStatus) {
		s.Begin(req.RequestedFrom, started)
	})

	result, syncErr := c.runner.RunOnce(ctx, req)

	c.updateStatus(ctx, func(s *status.RunStatus) {
		s.Apply(result, syncErr)
		if result == nil {
			s.Duration = c.now().Sub(started).String()
		}
	})

	c.report(ctx, result, syncErr, c.now().Sub(started))
	return result, syncErr
}

func (c *Coordinator) report(ctx context.Context, result *sync.Result, syncErr *sync.Error, elapsed time.Duration) {
	mode := "unknown"
	fetched := 0
	if result != nil {
		if result.Mode != "" {
			mode = string(result.Mode)
		}
		fetched = result.Extract.Records
		elapsed = result.Duration()
	}
	c.syncMetrics.RecordRun(ctx, c.settings.Dataset, mode, elapsed, fetched, syncErr == nil)

	if c.publisher == nil {
		return
	}
	summary := notify.NewSummary(c.settings.Dataset, result, syncErr)
	if err := c.publisher.Publish(context.WithoutCancel(ctx), summary); err != nil {
		slog.Warn("Failed to publish run summary", "run_id", summary.RunID, "error", err)
	}
}

func (c *Coordinator) loadStatus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return nil
	}
	loaded, err := c.persistence.LoadStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to load run status: %w", err)
	}
	c.status = loaded
	c.loaded = true
	return nil
}

// updateStatus mutates the status under lock and persists it. Persistence
// failures are logged and never fail the run.
func (c *Coordinator) updateStatus(ctx context.Context, fn func(*status.RunStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn(c.status)
	if err := c.persistence.SaveStatus(context.WithoutCancel(ctx), c.status); err != nil {
		slog.Warn("Failed to persist run status", "phase", string(c.status.Phase), "error", err)
	}
}
