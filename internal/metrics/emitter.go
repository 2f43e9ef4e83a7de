package metrics

import (
	"context"
	"log/slog"

	"github.com/noamsalit/Log-analysis-agent/internal/logging"
	"github.com/noamsalit/Log-analysis-agent/internal/observability"
)

// Emitter is the single funnel for metric events: each event is logged
// at the level its kind implies, queued for persistence, and counted.
// Emit never returns an error and never panics; the operation being
// measured must not notice a broken observability path.
type Emitter struct {
	logger  *slog.Logger
	writer  *Writer
	runtime *observability.Runtime
}

func NewEmitter(logger *slog.Logger, writer *Writer, runtime *observability.Runtime) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger, writer: writer, runtime: runtime}
}

// Emit logs and persists one event. A nil or invalid event is logged
// once at Debug and dropped.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.DebugContext(ctx, "metric event emission panicked", "panic", r)
		}
	}()

	if event == nil {
		e.logger.DebugContext(ctx, "metric event dropped", "reason", "nil event")
		return
	}
	payload, err := Encode(event)
	if err != nil {
		e.logger.DebugContext(ctx, "metric event dropped",
			"reason", "encode failed",
			"kind", string(event.EventKind()),
			"error", err,
		)
		return
	}

	e.logger.LogAttrs(ctx, levelForKind(event.EventKind()), "metric event",
		slog.String("kind", string(event.EventKind())),
		slog.String("run_id", event.EventRunID()),
		slog.String("payload", string(payload)),
	)

	e.runtime.RecordEvent(string(event.EventKind()))

	if e.writer == nil {
		return
	}
	record, err := NewRecord(event)
	if err != nil {
		e.logger.DebugContext(ctx, "metric event not persisted",
			"kind", string(event.EventKind()),
			"error", err,
		)
		return
	}
	if !e.writer.Enqueue(record) {
		e.runtime.RecordEventQueueDrop()
	}
}

// levelForKind maps event kinds to log levels: failures surface at
// Error, run lifecycle at Info, per-call activity at Debug, and
// iteration ticks at Trace.
func levelForKind(kind Kind) slog.Level {
	switch kind {
	case KindLLMError, KindToolError:
		return slog.LevelError
	case KindAgentStart, KindAgentEnd, KindAgentTokenSummary:
		return slog.LevelInfo
	case KindAgentIteration:
		return logging.LevelTrace
	default:
		return slog.LevelDebug
	}
}
