package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"wabot/internal/bucket"
)

// InstrumentedStore wraps a bucket.Store with OpenTelemetry tracing and
// metrics. Every consume, peek, and delete records a span, an operation
// latency sample, and an error count. Limit rejections are counted separately
// from infrastructure errors: a full window is the limiter working, not a
// storage fault.
type InstrumentedStore struct {
	inner      bucket.Store
	tracer     trace.Tracer
	duration   metric.Float64Histogram
	errors     metric.Int64Counter
	rejections metric.Int64Counter
}

// NewInstrumentedStore creates the wrapper. It fails only when the meter
// cannot create its instruments.
func NewInstrumentedStore(inner bucket.Store) (*InstrumentedStore, error) {
	tracer := otel.Tracer("wabot/bucket")
	meter := otel.Meter("wabot/bucket")

	duration, err := meter.Float64Histogram(
		"ratelimit.store.duration",
		metric.WithDescription("Duration of token bucket store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"ratelimit.store.errors",
		metric.WithDescription("Number of token bucket store infrastructure errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"ratelimit.store.rejections",
		metric.WithDescription("Number of consume attempts rejected over capacity"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:      inner,
		tracer:     tracer,
		duration:   duration,
		errors:     errCounter,
		rejections: rejections,
	}, nil
}

func (s *InstrumentedStore) Consume(ctx context.Context, key bucket.Key, points int64) (bucket.Result, error) {
	ctx, span := s.startSpan(ctx, "Consume", key)
	start := time.Now()
	result, err := s.inner.Consume(ctx, key, points)
	s.record(ctx, span, "Consume", string(key.Scope), start, err)
	return result, err
}

func (s *InstrumentedStore) Peek(ctx context.Context, key bucket.Key) (bucket.Result, bool, error) {
	ctx, span := s.startSpan(ctx, "Peek", key)
	start := time.Now()
	result, exists, err := s.inner.Peek(ctx, key)
	s.record(ctx, span, "Peek", string(key.Scope), start, err)
	return result, exists, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key bucket.Key) error {
	ctx, span := s.startSpan(ctx, "Delete", key)
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.record(ctx, span, "Delete", string(key.Scope), start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, key bucket.Key) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "bucket."+operation,
		trace.WithAttributes(
			attribute.String("bucket.operation", operation),
			attribute.String("bucket.scope", string(key.Scope)),
		),
	)
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation, scope string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("scope", scope),
	)

	s.duration.Record(ctx, elapsed, attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case isLimitExceeded(err):
		s.rejections.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("bucket.limit_exceeded", true))
		span.SetStatus(codes.Ok, "")
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func isLimitExceeded(err error) bool {
	var limitErr *bucket.LimitExceededError
	return errors.As(err, &limitErr)
}
