// Package observability provides structured logging and Prometheus metrics
// for chatdigest.
//
// Logging wraps log/slog with trace ID propagation so that every line
// emitted while handling one inbound message or one digest cycle can be
// correlated.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/chatdigest/common/trace"
)

// ParseLevel maps "debug", "warn" and "error" to their slog levels; anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a text or JSON ("json") logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup installs the process-wide slog logger on stdout.
func Setup(level, format string) {
	slog.SetDefault(NewLogger(os.Stdout, level, format))
}

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
