package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/guy-noel/sigfox-platform/observability"

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String("service.component", service),
		attribute.String("service.operation", operation),
	}
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// FeedMetrics holds live feed metrics. A nil *FeedMetrics records nothing.
type FeedMetrics struct {
	snapshotFetches metric.Int64Counter
	snapshotSize    metric.Int64Histogram
	pushEvents      metric.Int64Counter
	staleDiscards   metric.Int64Counter
	connectAttempts metric.Int64Counter
	exhaustions     metric.Int64Counter
	generations     metric.Int64Counter
}

// NewFeedMetrics creates feed metrics instruments
func NewFeedMetrics() (*FeedMetrics, error) {
	meter := otel.Meter(instrumentationName)

	snapshotFetches, err := meter.Int64Counter(
		"feed.snapshot.fetches",
		metric.WithDescription("Total number of snapshot fetches"),
		metric.WithUnit("{fetches}"),
	)
	if err != nil {
		return nil, err
	}

	snapshotSize, err := meter.Int64Histogram(
		"feed.snapshot.size",
		metric.WithDescription("Number of messages returned by a snapshot fetch"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		return nil, err
	}

	pushEvents, err := meter.Int64Counter(
		"feed.push.events",
		metric.WithDescription("Total number of push events handled"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	staleDiscards, err := meter.Int64Counter(
		"feed.stale.discards",
		metric.WithDescription("Results or events dropped because their generation was superseded"),
		metric.WithUnit("{discards}"),
	)
	if err != nil {
		return nil, err
	}

	connectAttempts, err := meter.Int64Counter(
		"feed.push.connect_attempts",
		metric.WithDescription("Total number of push channel connection attempts"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	exhaustions, err := meter.Int64Counter(
		"feed.push.exhausted",
		metric.WithDescription("Push channels that gave up reconnecting"),
		metric.WithUnit("{channels}"),
	)
	if err != nil {
		return nil, err
	}

	generations, err := meter.Int64Counter(
		"feed.generations",
		metric.WithDescription("Total number of sync generations started"),
		metric.WithUnit("{generations}"),
	)
	if err != nil {
		return nil, err
	}

	return &FeedMetrics{
		snapshotFetches: snapshotFetches,
		snapshotSize:    snapshotSize,
		pushEvents:      pushEvents,
		staleDiscards:   staleDiscards,
		connectAttempts: connectAttempts,
		exhaustions:     exhaustions,
		generations:     generations,
	}, nil
}

// RecordSnapshotFetch records a snapshot fetch outcome
func (m *FeedMetrics) RecordSnapshotFetch(ctx context.Context, scopeKind string, size int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("scope", scopeKind),
		attribute.Bool("success", err == nil),
	}
	m.snapshotFetches.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err == nil {
		m.snapshotSize.Record(ctx, int64(size), metric.WithAttributes(attrs[0]))
	}
}

// RecordPushEvent records a push event and whether it changed the feed
func (m *FeedMetrics) RecordPushEvent(ctx context.Context, action string, applied bool) {
	if m == nil {
		return
	}
	m.pushEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("applied", applied),
	))
}

// RecordStaleDiscard records a dropped result of a superseded generation
func (m *FeedMetrics) RecordStaleDiscard(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.staleDiscards.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConnectAttempt records one push channel dial
func (m *FeedMetrics) RecordConnectAttempt(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.connectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordExhausted records a push channel giving up
func (m *FeedMetrics) RecordExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.exhaustions.Add(ctx, 1)
}

// RecordGeneration records the start of a sync generation
func (m *FeedMetrics) RecordGeneration(ctx context.Context, scopeKind string) {
	if m == nil {
		return
	}
	m.generations.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scopeKind)))
}
