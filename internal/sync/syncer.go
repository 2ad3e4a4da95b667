package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/civicdata/sf311-sync/internal/otel"
	"github.com/civicdata/sf311-sync/internal/store"
)

// DefaultLargeIncrementalThreshold is the record count above which an
// incremental run is reported as unexpectedly large
const DefaultLargeIncrementalThreshold = 100

// RunRequest holds the per-invocation inputs
type RunRequest struct {
	// RequestedFrom is the lower bound on requested_datetime
	RequestedFrom Timestamp

	// ConflictPolicy decides what happens to identifiers already stored
	ConflictPolicy store.ConflictPolicy
}

// Result describes a run. On failure the partial result shows how far the run got.
type Result struct {
	RunID      string
	Mode       Mode
	Predicate  string
	Window     Window
	Watermark  Watermark
	Extract    ExtractStats
	Load       LoadResult
	Warnings   []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time of the run
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Syncer runs the engine against one store and one remote endpoint
type Syncer struct {
	store     store.Store
	extractor *Extractor
	loader    *Loader
	recorder  Recorder
	tracer    trace.Tracer
	threshold int
	now       func() time.Time
	newRunID  func() string
}

// SyncerOption configures a Syncer
type SyncerOption func(*Syncer)

// WithRecorder reports runs to a recorder
func WithRecorder(r Recorder) SyncerOption {
	return func(s *Syncer) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithTracer traces the phases of every run
func WithTracer(t trace.Tracer) SyncerOption {
	return func(s *Syncer) {
		s.tracer = t
	}
}

// WithLargeIncrementalThreshold overrides the warning threshold
func WithLargeIncrementalThreshold(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		s.now = now
	}
}

// NewSyncer creates a syncer. The caller keeps ownership of the store.
func NewSyncer(st store.Store, extractor *Extractor, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:     st,
		extractor: extractor,
		loader:    NewLoader(st),
		recorder:  noopRecorder{},
		threshold: DefaultLargeIncrementalThreshold,
		now:       time.Now,
		newRunID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one synchronization: resolve the watermark, plan the window,
// extract every page, normalize and load. Phases run strictly in sequence.
func (s *Syncer) Run(ctx context.Context, req RunRequest) (*Result, *Error) {
	result := &Result{
		RunID:     s.newRunID(),
		StartedAt: s.now(),
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "sync.Run",
		trace.WithAttributes(otel.AttrRunID.String(result.RunID)),
	)
	defer span.End()

	syncErr := s.run(ctx, req, result)
	result.FinishedAt = s.now()

	if syncErr != nil {
		otel.RecordError(span, syncErr)
		slog.Error("Sync run failed",
			"run_id", result.RunID,
			"op", string(syncErr.Op),
			"mode", string(result.Mode),
			"error", syncErr.Error())
	} else {
		slog.Info("Sync run completed",
			"run_id", result.RunID,
			"mode", string(result.Mode),
			"fetched", result.Extract.Records,
			"pages", result.Extract.Pages,
			"retries", result.Extract.Retries,
			"inserted", result.Load.Inserted,
			"updated", result.Load.Updated,
			"unchanged", result.Load.Unchanged,
			"skipped_missing_id", result.Load.MissingID,
			"duration", result.Duration().String())
	}

	s.recorder.RecordRun(result, syncErr)
	return result, syncErr
}

func (s *Syncer) run(ctx context.Context, req RunRequest, result *Result) *Error {
	policy := req.ConflictPolicy
	if policy == "" {
		policy = store.ConflictOverwrite
	}
	if req.RequestedFrom.IsZero() {
		return newError(OpPlan, nil, "requested-from timestamp is required")
	}

	wm, err := s.resolveWatermark(ctx)
	if err != nil {
		return newError(OpResolveWatermark, err, "Failed to resolve watermark: %v", err)
	}
	result.Watermark = wm
	logWatermark(wm)

	window := PlanWindow(req.RequestedFrom, wm, result.StartedAt)
	result.Window = window
	result.Mode = window.Mode
	result.Predicate = window.Predicate()

	trace.SpanFromContext(ctx).SetAttributes(otel.WindowAttributes(string(window.Mode), result.Predicate)...)

	slog.Info("Planned sync window",
		"run_id", result.RunID,
		"requested_from", req.RequestedFrom.String(),
		"mode", string(window.Mode),
		"predicate", result.Predicate,
		"until", window.Until.UTC().Format(time.RFC3339))

	raws, err := s.extract(ctx, window, result)
	if err != nil {
		return newError(OpExtract, err, "Extraction failed: %v", err)
	}

	if window.Mode == ModeIncremental && window.IsFiltered() && len(raws) > s.threshold {
		warning := fmt.Sprintf(
			"incremental run fetched %d records, more than the expected %d; check for upstream bulk edits",
			len(raws), s.threshold)
		result.Warnings = append(result.Warnings, warning)
		slog.Warn("Unexpectedly large incremental fetch",
			"run_id", result.RunID,
			"fetched", len(raws),
			"threshold", s.threshold)
	}

	records := NormalizeAll(raws)

	loaded, err := s.load(ctx, records, policy)
	if loaded != nil {
		result.Load = *loaded
	}
	if err != nil {
		return newError(OpLoad, err, "Load failed: %v", err)
	}

	return nil
}

func (s *Syncer) resolveWatermark(ctx context.Context) (Watermark, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "sync.ResolveWatermark")
	defer span.End()

	wm, err := ResolveWatermark(ctx, s.store)
	otel.RecordError(span, err)
	return wm, err
}

func (s *Syncer) extract(ctx context.Context, window Window, result *Result) ([]RawRecord, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "sync.Extract",
		trace.WithAttributes(otel.AttrMode.String(string(window.Mode))),
	)
	defer span.End()

	raws, stats, err := s.extractor.Extract(ctx, window)
	if stats != nil {
		result.Extract = *stats
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	otel.SetResultCount(span, len(raws))
	slog.Info("Fetched records",
		"run_id", result.RunID,
		"records", len(raws),
		"pages", result.Extract.Pages,
		"retries", result.Extract.Retries)
	return raws, nil
}

func (s *Syncer) load(ctx context.Context, records []store.Record, policy store.ConflictPolicy) (*LoadResult, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "sync.Load",
		trace.WithAttributes(otel.AttrConflictPolicy.String(string(policy))),
	)
	defer span.End()

	loaded, err := s.loader.Load(ctx, records, policy)
	otel.RecordError(span, err)
	return loaded, err
}

func logWatermark(wm Watermark) {
	if wm.IsEmpty() {
		slog.Info("Store is empty, no watermark")
		return
	}
	attrs := []any{"min_requested", wm.MinRequested.String()}
	if wm.MaxUpdated != nil {
		attrs = append(attrs, "max_updated", wm.MaxUpdated.String())
	}
	slog.Info("Resolved watermark", attrs...)
}
