// Package observability provides structured logging, metrics, and
// distributed tracing for the event handler.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// DefaultLogger returns l, or a logger that discards everything when l is nil.
// Components call this once at construction so they never nil-check later.
func DefaultLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// NewLogger builds a logger writing to w.
// level is one of debug, info, warn, error; format is json or text.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "TempAlert", "SensorX")
//	enriched.Info("matching") // includes event_type and source
func EnrichLogger(logger *slog.Logger, eventType, source string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_type", eventType),
		slog.String("source", source),
	)
}

// LogPublishStart logs receipt of an event for distribution.
func LogPublishStart(logger *slog.Logger, candidates int) {
	if logger == nil {
		return
	}
	logger.Debug("publish starting",
		slog.Int("candidates", candidates),
	)
}

// LogPublishComplete logs the end of a fan-out.
func LogPublishComplete(logger *slog.Logger, durationMs float64, matched, failed, unresolved int) {
	if logger == nil {
		return
	}
	logger.Info("publish completed",
		slog.Float64("duration_ms", durationMs),
		slog.Int("matched", matched),
		slog.Int("failed", failed),
		slog.Int("unresolved", unresolved),
	)
}

// LogPublishError logs a publish that could not run.
func LogPublishError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("publish failed",
		slog.String("error", err.Error()),
	)
}

// LogCandidateDropped logs why a candidate subscription did not match.
func LogCandidateDropped(logger *slog.Logger, subscriptionID, consumer, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("candidate dropped",
		slog.String("subscription_id", subscriptionID),
		slog.String("consumer", consumer),
		slog.String("reason", reason),
	)
}

// LogUnresolved logs a matched subscription whose destination could not be built.
func LogUnresolved(logger *slog.Logger, subscriptionID, consumer, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("destination unresolved",
		slog.String("subscription_id", subscriptionID),
		slog.String("consumer", consumer),
		slog.String("reason", reason),
	)
}

// LogDeliveryError logs one failed delivery attempt (non-fatal).
func LogDeliveryError(logger *slog.Logger, url, consumer string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery failed",
		slog.String("url", url),
		slog.String("consumer", consumer),
		slog.String("error", err.Error()),
	)
}

// LogConsumerCreated logs the lazy creation of a consumer record.
func LogConsumerCreated(logger *slog.Logger, systemName, id string) {
	if logger == nil {
		return
	}
	logger.Info("consumer created",
		slog.String("consumer", systemName),
		slog.String("consumer_id", id),
	)
}

// LogSubscriptionChange logs the outcome of a register or delete.
func LogSubscriptionChange(logger *slog.Logger, op, eventType, consumer, outcome string) {
	if logger == nil {
		return
	}
	logger.Info("subscription "+op,
		slog.String("event_type", eventType),
		slog.String("consumer", consumer),
		slog.String("outcome", outcome),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
