package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger for relayd startup,
// after config and flags are both known.
// format: "text" (default) or "json" (for shipping to a log aggregator)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// OpWithTrace returns the operational logger annotated with the trace
// and span ID of the invocation or request being handled, so a log line
// can be correlated back to its span in whatever backend the OTLP
// exporter is pointed at. Returns the plain operational logger when
// traceID is empty (tracing disabled, or no span in the caller's context).
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
