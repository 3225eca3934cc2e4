package tts

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/book-expert/narrator/internal/tts"

// Outcome attribute values.
const (
	outcomeOK       = "ok"
	outcomeRetry    = "retry"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
	outcomeCached   = "cached"
)

var attrOutcome = attribute.Key("outcome")

type dispatchMetrics struct {
	attempts  metric.Int64Counter
	chunks    metric.Int64Counter
	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

func newDispatchMetrics(provider metric.MeterProvider) (*dispatchMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	attempts, err := meter.Int64Counter("narrator.synthesis.attempts",
		metric.WithDescription("Provider calls by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	chunks, err := meter.Int64Counter("narrator.synthesis.chunks",
		metric.WithDescription("Chunks finished by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create chunks counter: %w", err)
	}

	latency, err := meter.Float64Histogram("narrator.synthesis.latency",
		metric.WithDescription("Provider call latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	cacheHits, err := meter.Int64Counter("narrator.synthesis.cache_hits",
		metric.WithDescription("Chunks served from the audio cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hit counter: %w", err)
	}

	return &dispatchMetrics{
		attempts:  attempts,
		chunks:    chunks,
		latency:   latency,
		cacheHits: cacheHits,
	}, nil
}

func (m *dispatchMetrics) attempt(ctx context.Context, outcome string, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond))
}

func (m *dispatchMetrics) chunk(ctx context.Context, outcome string) {
	m.chunks.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

func (m *dispatchMetrics) cacheHit(ctx context.Context) {
	m.cacheHits.Add(context.WithoutCancel(ctx), 1)
}
