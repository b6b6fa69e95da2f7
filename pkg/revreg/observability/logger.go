// Package observability provides logging helpers, metrics and tracing for
// the revocation engine and the setup saga.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds saga context to a logger.
// Returns a new logger with profile, step, correlation_id and retry_count
// fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "tenant-a", "registry-create", "c0ffee", 1)
//	enriched.Info("creating registry") // includes all four fields
func EnrichLogger(logger *slog.Logger, profile, step, correlationID string, retryCount int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("profile", profile),
		slog.String("step", step),
		slog.String("correlation_id", correlationID),
		slog.Int("retry_count", retryCount),
	)
}

// LogStepStart logs a saga step attempt starting.
func LogStepStart(logger *slog.Logger, identifier string) {
	if logger == nil {
		return
	}
	logger.Debug("saga step starting",
		slog.String("identifier", identifier),
	)
}

// LogStepComplete logs a successful saga step attempt.
func LogStepComplete(logger *slog.Logger, identifier string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("saga step completed",
		slog.String("identifier", identifier),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepFailure logs a failed saga step attempt.
func LogStepFailure(logger *slog.Logger, identifier string, errMsg string, shouldRetry bool) {
	if logger == nil {
		return
	}
	logger.Warn("saga step failed",
		slog.String("identifier", identifier),
		slog.String("error", errMsg),
		slog.Bool("should_retry", shouldRetry),
	)
}

// LogStepRetry logs a scheduled retry.
func LogStepRetry(logger *slog.Logger, nextRetry int, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("retrying saga step",
		slog.Int("next_retry", nextRetry),
		slog.Duration("delay", delay),
	)
}

// LogIntervention logs a saga step that gave up.
func LogIntervention(logger *slog.Logger, identifier, message string) {
	if logger == nil {
		return
	}
	logger.Error("saga step requires intervention",
		slog.String("identifier", identifier),
		slog.String("error", message),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
