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

// MetricsRecorder records revreg metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStepExecution records one saga step attempt with its duration
	// and error status.
	RecordStepExecution(ctx context.Context, step string, duration time.Duration, err error)

	// RecordStepRetry records a scheduled retry of a saga step.
	RecordStepRetry(ctx context.Context, step string, retryCount int)

	// RecordIntervention records a saga step handed to an operator.
	RecordIntervention(ctx context.Context, step string)

	// RecordIndexAllocation records a credential index allocation attempt.
	RecordIndexAllocation(ctx context.Context, profile string, full bool)

	// RecordRevocations records a revocation batch.
	RecordRevocations(ctx context.Context, profile string, revoked, failed int)

	// RecordRecovery records a recovery pass for a profile.
	RecordRecovery(ctx context.Context, profile string, recovered int, err error)

	// RecordDispatchFailure records a bus handler that failed or panicked.
	RecordDispatchFailure(ctx context.Context, pattern string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	stepRetries    metric.Int64Counter
	interventions  metric.Int64Counter
	allocations    metric.Int64Counter
	revocations    metric.Int64Counter
	recoveries     metric.Int64Counter
	dispatchErrors metric.Int64Counter
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

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("revreg")

	counters := []struct {
		name string
		desc string
	}{
		{"revreg.saga.step.executions", "Number of saga step attempts"},
		{"revreg.saga.step.errors", "Number of failed saga step attempts"},
		{"revreg.saga.step.retries", "Number of scheduled saga step retries"},
		{"revreg.saga.interventions", "Number of saga steps handed to an operator"},
		{"revreg.index.allocations", "Number of credential index allocation attempts"},
		{"revreg.revocations", "Number of credential indices processed for revocation"},
		{"revreg.recoveries", "Number of saga events re-emitted by recovery"},
		{"revreg.bus.dispatch.errors", "Number of failed bus handler invocations"},
	}

	m := &otelMetrics{}
	targets := []*metric.Int64Counter{
		&m.stepExecutions, &m.stepErrors, &m.stepRetries, &m.interventions,
		&m.allocations, &m.revocations, &m.recoveries, &m.dispatchErrors,
	}
	for i := range counters {
		c, err := meter.Int64Counter(counters[i].name, metric.WithDescription(counters[i].desc))
		if err != nil {
			return nil, err
		}
		*targets[i] = c
	}

	var err error
	m.stepLatency, err = meter.Float64Histogram("revreg.saga.step.latency_ms",
		metric.WithDescription("Saga step latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
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

// RecordStepExecution records a saga step attempt.
func (m *otelMetrics) RecordStepExecution(ctx context.Context, step string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("step", step))

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

// RecordStepRetry records a scheduled retry.
func (m *otelMetrics) RecordStepRetry(ctx context.Context, step string, retryCount int) {
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.Int("retry_count", retryCount),
	))
}

// RecordIntervention records an intervention.
func (m *otelMetrics) RecordIntervention(ctx context.Context, step string) {
	m.interventions.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordIndexAllocation records an allocation attempt.
func (m *otelMetrics) RecordIndexAllocation(ctx context.Context, profile string, full bool) {
	m.allocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.Bool("full", full),
	))
}

// RecordRevocations records a revocation batch.
func (m *otelMetrics) RecordRevocations(ctx context.Context, profile string, revoked, failed int) {
	m.revocations.Add(ctx, int64(revoked), metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("outcome", "revoked"),
	))
	m.revocations.Add(ctx, int64(failed), metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("outcome", "failed"),
	))
}

// RecordRecovery records a recovery pass.
func (m *otelMetrics) RecordRecovery(ctx context.Context, profile string, recovered int, err error) {
	m.recoveries.Add(ctx, int64(recovered), metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.Bool("success", err == nil),
	))
}

// RecordDispatchFailure records a failed bus handler.
func (m *otelMetrics) RecordDispatchFailure(ctx context.Context, pattern string) {
	m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", pattern)))
}
