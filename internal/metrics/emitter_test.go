package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/noamsalit/Log-analysis-agent/internal/logging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitterPersistsValidEvents(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	writer := NewWriter(store, 16)
	writer.Start(context.Background())
	emitter := NewEmitter(discardLogger(), writer, nil)

	event, err := NewLLMUsage("run-emit-test", 10, 5, 0)
	if err != nil {
		t.Fatalf("NewLLMUsage returned error: %v", err)
	}
	emitter.Emit(context.Background(), event)

	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("store has %d records, want 1", got)
	}
}

func TestEmitterSwallowsInvalidEvents(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	writer := NewWriter(store, 16)
	writer.Start(context.Background())
	emitter := NewEmitter(discardLogger(), writer, nil)

	// Built directly rather than through the constructor, so validation
	// only happens at emission.
	emitter.Emit(context.Background(), &LLMUsage{})
	emitter.Emit(context.Background(), nil)

	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if got := store.count(); got != 0 {
		t.Fatalf("store has %d records, want 0", got)
	}
}

func TestEmitterSurvivesMissingWriter(t *testing.T) {
	t.Parallel()

	emitter := NewEmitter(discardLogger(), nil, nil)
	event, err := NewAgentStart("run-emit-test", []string{"log_file"}, nil)
	if err != nil {
		t.Fatalf("NewAgentStart returned error: %v", err)
	}
	emitter.Emit(context.Background(), event)
}

func TestLevelForKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want slog.Level
	}{
		{KindLLMError, slog.LevelError},
		{KindToolError, slog.LevelError},
		{KindAgentStart, slog.LevelInfo},
		{KindAgentEnd, slog.LevelInfo},
		{KindAgentTokenSummary, slog.LevelInfo},
		{KindAgentIteration, logging.LevelTrace},
		{KindLLMUsage, slog.LevelDebug},
		{KindToolStart, slog.LevelDebug},
		{KindBatchEnd, slog.LevelDebug},
		{KindHandleOpen, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := levelForKind(tt.kind); got != tt.want {
			t.Fatalf("levelForKind(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
