package observability

import (
	"context"
	"log/slog"

	"github.com/noamsalit/Log-analysis-agent/internal/correlation"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// runLogHandler wraps an slog.Handler and enriches log records with the
// active run id, plus trace_id and span_id when an OpenTelemetry span
// is recording. This lets one run's lines be pulled out of interleaved
// output from concurrent runs with a single grep.
type runLogHandler struct {
	inner slog.Handler
}

// NewRunLogHandler returns an slog.Handler that injects the context's
// run id into each log record. If inner is nil, slog.Default().Handler()
// is used.
func NewRunLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &runLogHandler{inner: inner}
}

func (h *runLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *runLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if runID, ok := correlation.RunFromContext(ctx); ok {
		record.AddAttrs(slog.String("run_id", runID))
	}
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *runLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *runLogHandler) WithGroup(name string) slog.Handler {
	return &runLogHandler{inner: h.inner.WithGroup(name)}
}
