package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event handler metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDelivery records one delivery attempt with its duration and outcome.
	RecordDelivery(ctx context.Context, eventType string, success bool, duration time.Duration)

	// RecordPublish records a completed publish.
	RecordPublish(ctx context.Context, eventType string, matched, failed int, duration time.Duration)

	// RecordSubscriptionChange records a register or delete and its outcome.
	RecordSubscriptionChange(ctx context.Context, op, outcome string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	deliveryAttempts    metric.Int64Counter
	deliveryFailures    metric.Int64Counter
	deliveryLatency     metric.Float64Histogram
	publishEvents       metric.Int64Counter
	publishMatched      metric.Int64Histogram
	publishLatency      metric.Float64Histogram
	subscriptionChanges metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventhandler")

	deliveryAttempts, err := meter.Int64Counter("eventhandler.delivery.attempts",
		metric.WithDescription("Number of delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deliveryFailures, err := meter.Int64Counter("eventhandler.delivery.failures",
		metric.WithDescription("Number of failed delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("eventhandler.delivery.latency_ms",
		metric.WithDescription("Delivery attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	publishEvents, err := meter.Int64Counter("eventhandler.publish.events",
		metric.WithDescription("Number of published events"),
	)
	if err != nil {
		return nil, err
	}

	publishMatched, err := meter.Int64Histogram("eventhandler.publish.matched",
		metric.WithDescription("Matched subscriptions per published event"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("eventhandler.publish.latency_ms",
		metric.WithDescription("End-to-end publish latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	subscriptionChanges, err := meter.Int64Counter("eventhandler.subscription.changes",
		metric.WithDescription("Number of subscription register and delete calls"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		deliveryAttempts:    deliveryAttempts,
		deliveryFailures:    deliveryFailures,
		deliveryLatency:     deliveryLatency,
		publishEvents:       publishEvents,
		publishMatched:      publishMatched,
		publishLatency:      publishLatency,
		subscriptionChanges: subscriptionChanges,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordDelivery records a delivery attempt.
func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	)

	m.deliveryAttempts.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if !success {
		m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

// RecordPublish records a publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, matched, failed int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("all_delivered", failed == 0),
	)
	m.publishEvents.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.publishMatched.Record(ctx, int64(matched), metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordSubscriptionChange records a register or delete.
func (m *otelMetrics) RecordSubscriptionChange(ctx context.Context, op, outcome string) {
	m.subscriptionChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
