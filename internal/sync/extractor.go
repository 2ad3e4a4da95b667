package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/civicdata/sf311-sync/internal/otel"
	"github.com/civicdata/sf311-sync/internal/socrata"
)

const (
	// DefaultPageSize is the number of records requested per page
	DefaultPageSize = 1000

	// DefaultPageDelay is the courtesy pause between pages
	DefaultPageDelay = time.Second

	// DefaultRetryDelay is the pause before a failed page is requested again
	DefaultRetryDelay = 5 * time.Second
)

// RawRecord is one decoded JSON object returned by the remote API
type RawRecord = map[string]any

// PageArchiver receives every successfully fetched page
//
//go:generate mockgen -destination=mocks/mock_page_archiver.go -package=mocks github.com/civicdata/sf311-sync/internal/sync PageArchiver
type PageArchiver interface {
	ArchivePage(ctx context.Context, window Window, offset int, rows []RawRecord) error
}

// ExtractorConfig holds the pagination and retry knobs
type ExtractorConfig struct {
	PageSize   int
	PageDelay  time.Duration
	RetryDelay time.Duration

	// MaxRetries bounds the retries of a single page; 0 retries forever
	MaxRetries int
}

// ExtractStats describes one extraction
type ExtractStats struct {
	Pages    int
	Requests int
	Retries  int
	Records  int
}

// Extractor pages through a window on the remote dataset
type Extractor struct {
	client   socrata.Client
	cfg      ExtractorConfig
	archiver PageArchiver
	recorder Recorder
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

// ExtractorOption configures an Extractor
type ExtractorOption func(*Extractor)

// WithPageArchiver lands each fetched page through the archiver
func WithPageArchiver(a PageArchiver) ExtractorOption {
	return func(e *Extractor) {
		e.archiver = a
	}
}

// WithExtractorRecorder reports pages and retries to a recorder
func WithExtractorRecorder(r Recorder) ExtractorOption {
	return func(e *Extractor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithExtractorTracer traces each page request
func WithExtractorTracer(t trace.Tracer) ExtractorOption {
	return func(e *Extractor) {
		e.tracer = t
	}
}

// NewExtractor creates an extractor for the given remote endpoint handle
func NewExtractor(client socrata.Client, cfg ExtractorConfig, opts ...ExtractorOption) *Extractor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	e := &Extractor{
		client:   client,
		cfg:      cfg,
		recorder: noopRecorder{},
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract fetches the complete result set of the window. Pages are requested
// sequentially by offset; a page shorter than the page size ends the loop.
// A failed page is retried in place without advancing the offset or
// discarding what was already collected.
func (e *Extractor) Extract(ctx context.Context, w Window) ([]RawRecord, *ExtractStats, error) {
	predicate := w.Predicate()
	stats := &ExtractStats{}

	var records []RawRecord
	offset := 0
	for {
		rows, err := e.fetchPage(ctx, predicate, offset, stats)
		if err != nil {
			return records, stats, fmt.Errorf("page at offset %d: %w", offset, err)
		}

		stats.Pages++
		stats.Records += len(rows)
		records = append(records, rows...)
		e.recorder.RecordPage(len(rows))

		slog.Debug("Fetched page", "offset", offset, "records", len(rows), "total", len(records))

		if e.archiver != nil && len(rows) > 0 {
			if err := e.archiver.ArchivePage(ctx, w, offset, rows); err != nil {
				slog.Warn("Failed to archive page", "offset", offset, "error", err)
			}
		}

		if len(rows) < e.cfg.PageSize {
			break
		}

		offset += e.cfg.PageSize
		if err := e.sleep(ctx, e.cfg.PageDelay); err != nil {
			return records, stats, err
		}
	}

	return records, stats, nil
}

func (e *Extractor) fetchPage(ctx context.Context, predicate string, offset int, stats *ExtractStats) ([]RawRecord, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "sync.FetchPage", otel.PageAttributes(offset, e.cfg.PageSize))
	defer span.End()

	query := socrata.Query{
		Where:  predicate,
		Order:  socrata.OrderByRowID,
		Limit:  e.cfg.PageSize,
		Offset: offset,
	}

	attempt := 0
	operation := func() ([]RawRecord, error) {
		attempt++
		stats.Requests++
		rows, err := e.client.Query(ctx, query)
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if httpErr, ok := socrata.AsHTTPError(err); ok && httpErr.IsRateLimited() {
			wait := max(httpErr.RetryAfter, e.cfg.RetryDelay)
			return nil, fmt.Errorf("%w: %w", &backoff.RetryAfterError{Duration: wait}, err)
		}
		return nil, err
	}

	notify := func(err error, delay time.Duration) {
		stats.Retries++
		reason := "transport"
		if httpErr, ok := socrata.AsHTTPError(err); ok {
			reason = fmt.Sprintf("http_%d", httpErr.StatusCode)
		}
		e.recorder.RecordRetry(reason)
		slog.Warn("Page request failed, retrying",
			"offset", offset,
			"attempt", attempt,
			"delay", delay.String(),
			"reason", reason,
			"error", err)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
	if e.cfg.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(e.cfg.MaxRetries)+1))
	}

	rows, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	otel.SetResultCount(span, len(rows))
	return rows, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
