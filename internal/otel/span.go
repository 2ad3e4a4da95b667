// Package otel provides OpenTelemetry instrumentation utilities for the sync engine.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the spans of a sync run.
const (
	AttrRunID          = attribute.Key("sync.run_id")
	AttrMode           = attribute.Key("sync.mode")
	AttrPredicate      = attribute.Key("sync.predicate")
	AttrDataset        = attribute.Key("socrata.dataset")
	AttrPageSize       = attribute.Key("pagination.limit")
	AttrPageOffset     = attribute.Key("pagination.offset")
	AttrResultCount    = attribute.Key("result.count")
	AttrConflictPolicy = attribute.Key("load.conflict_policy")
)

// StartSpan starts a child span when a tracer is configured. Without one the
// span already in ctx is returned, so callers can always End it.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// PageAttributes tags a page request span
func PageAttributes(offset, limit int) trace.SpanStartEventOption {
	return trace.WithAttributes(
		AttrPageOffset.Int(offset),
		AttrPageSize.Int(limit),
	)
}

// WindowAttributes describes the window chosen for a run
func WindowAttributes(mode, predicate string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMode.String(mode),
		AttrPredicate.String(predicate),
	}
}

// SetResultCount records how many records a phase produced
func SetResultCount(span trace.Span, n int) {
	if span != nil {
		span.SetAttributes(AttrResultCount.Int(n))
	}
}

// RecordError records an error on a span and sets the span status to error.
// The status description stays generic so connection strings and queries
// only appear in the recorded error event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
