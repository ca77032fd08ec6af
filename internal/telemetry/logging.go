package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// TracingHandler is a JSON slog handler that stamps every record logged with
// a span-carrying context with its trace_id and span_id, so shop logs can be
// joined to check and delivery traces.
type TracingHandler struct {
	slog.Handler
}

// NewTracingHandler creates a JSON handler writing to w; opts may be nil
func NewTracingHandler(w io.Writer, opts *slog.HandlerOptions) *TracingHandler {
	return &TracingHandler{Handler: slog.NewJSONHandler(w, opts)}
}

func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, record)
}

func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the service logger on w, tagged with the service name
func NewLogger(w io.Writer, serviceName, level string) *slog.Logger {
	h := NewTracingHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With(slog.String("service", serviceName))
}

// InitLogger installs the service logger on stdout as the slog default
func InitLogger(serviceName, level string) {
	slog.SetDefault(NewLogger(os.Stdout, serviceName, level))
}
