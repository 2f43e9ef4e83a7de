// Package dispatch turns lifecycle notifications from the agent, the
// LLM client, and tools into metric events. Every notification is
// panic-safe and run-scoped: a notification without a run id in its
// context is skipped with one debug log, and no notification failure
// ever propagates into the operation being observed.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/noamsalit/Log-analysis-agent/internal/correlation"
	"github.com/noamsalit/Log-analysis-agent/internal/ledger"
	"github.com/noamsalit/Log-analysis-agent/internal/metrics"
	"github.com/noamsalit/Log-analysis-agent/internal/observability"
	"github.com/noamsalit/Log-analysis-agent/internal/policy"
)

type callKind int

const (
	callLLM callKind = iota
	callTool
	callBatch
	callHandle
)

// inflightCall captures the start instant of one invocation so
// overlapping calls of the same tool time independently.
type inflightCall struct {
	kind    callKind
	runID   string
	tool    string
	handle  string
	batch   int
	started time.Time
}

// Dispatcher fans notifications out to the emitter, the token ledger,
// and the process counters.
type Dispatcher struct {
	emitter   *metrics.Emitter
	ledger    *ledger.Ledger
	policy    *policy.Policy
	runtime   *observability.Runtime
	logger    *slog.Logger
	verbosity policy.Verbosity

	mu        sync.Mutex
	inflight  map[string]inflightCall
	runStarts map[string]time.Time
}

// New builds a dispatcher. The verbosity should be the max of the
// console and file settings so events carry enough detail for the
// richer destination.
func New(emitter *metrics.Emitter, tokenLedger *ledger.Ledger, pol *policy.Policy, runtime *observability.Runtime, logger *slog.Logger, verbosity policy.Verbosity) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		emitter:   emitter,
		ledger:    tokenLedger,
		policy:    pol,
		runtime:   runtime,
		logger:    logger,
		verbosity: verbosity,
		inflight:  make(map[string]inflightCall),
		runStarts: make(map[string]time.Time),
	}
}

// safe resolves the run id and shields the notification body. A panic
// inside fn degrades observability for one event and nothing else.
func (d *Dispatcher) safe(ctx context.Context, op string, fn func(runID string)) {
	if d == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.DebugContext(ctx, "metric notification panicked", "op", op, "panic", r)
		}
	}()

	runID, ok := correlation.RunFromContext(ctx)
	if !ok {
		d.logger.DebugContext(ctx, "metric notification skipped", "op", op, "reason", "no run id in context")
		return
	}
	fn(runID)
}

func (d *Dispatcher) emit(ctx context.Context, event metrics.Event, err error) {
	if err != nil {
		d.logger.DebugContext(ctx, "metric event construction failed", "error", err)
		return
	}
	d.emitter.Emit(ctx, event)
}

func (d *Dispatcher) beginCall(invocationID string, call inflightCall) {
	call.started = time.Now()
	d.mu.Lock()
	d.inflight[invocationID] = call
	d.mu.Unlock()
}

func (d *Dispatcher) endCall(invocationID string) (inflightCall, bool) {
	d.mu.Lock()
	call, ok := d.inflight[invocationID]
	if ok {
		delete(d.inflight, invocationID)
	}
	d.mu.Unlock()
	return call, ok
}

// LLMStarted records the start of one model call.
func (d *Dispatcher) LLMStarted(ctx context.Context, invocationID, model, modelVersion string, promptBytes int) {
	d.safe(ctx, "llm.start", func(runID string) {
		d.beginCall(invocationID, inflightCall{kind: callLLM, runID: runID})
		event, err := metrics.NewLLMStart(runID, model, modelVersion, promptBytes)
		d.emit(ctx, event, err)
	})
}

// LLMUsage records token usage for one model call. The ledger and the
// token counter are updated even when the call ultimately failed,
// because the provider bills those tokens regardless.
func (d *Dispatcher) LLMUsage(ctx context.Context, prompt, completion, total int, succeeded bool) {
	d.safe(ctx, "llm.usage", func(runID string) {
		event, err := metrics.NewLLMUsage(runID, prompt, completion, total)
		d.emit(ctx, event, err)
		if err != nil {
			return
		}
		d.ledger.Record(runID, ledger.Entry{
			Prompt:     int64(event.TokensPrompt),
			Completion: int64(event.TokensCompletion),
			Total:      int64(event.TokensTotal),
			Succeeded:  succeeded,
		})
		d.runtime.RecordTokens(int64(event.TokensTotal), succeeded)
	})
}

// LLMEnded records a successful model call completion.
func (d *Dispatcher) LLMEnded(ctx context.Context, invocationID string) {
	d.safe(ctx, "llm.end", func(runID string) {
		call, ok := d.endCall(invocationID)
		duration := time.Duration(0)
		if ok {
			duration = time.Since(call.started)
		}
		event, err := metrics.NewLLMEnd(runID, metrics.StatusOK, duration)
		d.emit(ctx, event, err)
	})
}

// LLMFailed records a failed model call: one error event plus the
// terminal end event so call durations stay complete.
func (d *Dispatcher) LLMFailed(ctx context.Context, invocationID, errorKind, message string) {
	d.safe(ctx, "llm.error", func(runID string) {
		errEvent, err := metrics.NewLLMError(runID, errorKind, observability.ScrubCredentials(message))
		d.emit(ctx, errEvent, err)

		call, ok := d.endCall(invocationID)
		duration := time.Duration(0)
		if ok {
			duration = time.Since(call.started)
		}
		endEvent, err := metrics.NewLLMEnd(runID, metrics.StatusError, duration)
		d.emit(ctx, endEvent, err)
	})
}

// ToolStarted records a tool invocation start. Argument payloads pass
// through the tool's logging policy before they reach the event.
func (d *Dispatcher) ToolStarted(ctx context.Context, invocationID, tool string, args map[string]any) {
	d.safe(ctx, "tool.start", func(runID string) {
		d.beginCall(invocationID, inflightCall{kind: callTool, runID: runID, tool: tool})

		detail := d.policy.Resolve(tool, d.verbosity)
		event, err := metrics.NewToolStart(runID, tool, payloadBytes(args), policy.RenderArguments(detail, args))
		d.emit(ctx, event, err)
	})
}

// ToolEnded records a successful tool completion.
func (d *Dispatcher) ToolEnded(ctx context.Context, invocationID, tool string, outputBytes int, resultSummary string) {
	d.safe(ctx, "tool.end", func(runID string) {
		call, ok := d.endCall(invocationID)
		duration := time.Duration(0)
		if ok {
			duration = time.Since(call.started)
		}
		event, err := metrics.NewToolEnd(runID, tool, metrics.StatusOK, duration, outputBytes, d.renderSummary(tool, resultSummary))
		d.emit(ctx, event, err)
	})
}

// ToolFailed records a failed tool invocation: one error event plus the
// terminal end event.
func (d *Dispatcher) ToolFailed(ctx context.Context, invocationID, tool, errorKind, message string) {
	d.safe(ctx, "tool.error", func(runID string) {
		errEvent, err := metrics.NewToolError(runID, tool, errorKind, observability.ScrubCredentials(message))
		d.emit(ctx, errEvent, err)

		call, ok := d.endCall(invocationID)
		duration := time.Duration(0)
		if ok {
			duration = time.Since(call.started)
		}
		endEvent, err := metrics.NewToolEnd(runID, tool, metrics.StatusError, duration, 0, "")
		d.emit(ctx, endEvent, err)
	})
}

// AgentStarted marks the beginning of a run.
func (d *Dispatcher) AgentStarted(ctx context.Context, inputSizes map[string]int) {
	d.safe(ctx, "agent.start", func(runID string) {
		d.mu.Lock()
		d.runStarts[runID] = time.Now()
		d.mu.Unlock()

		keys := make([]string, 0, len(inputSizes))
		for key := range inputSizes {
			keys = append(keys, key)
		}
		event, err := metrics.NewAgentStart(runID, keys, inputSizes)
		d.emit(ctx, event, err)
	})
}

// AgentEnded marks the end of a run with the given terminal status.
func (d *Dispatcher) AgentEnded(ctx context.Context, status string, outputSizes map[string]int) {
	d.safe(ctx, "agent.end", func(runID string) {
		d.mu.Lock()
		started, ok := d.runStarts[runID]
		delete(d.runStarts, runID)
		d.mu.Unlock()

		duration := time.Duration(0)
		if ok {
			duration = time.Since(started)
		}
		keys := make([]string, 0, len(outputSizes))
		for key := range outputSizes {
			keys = append(keys, key)
		}
		event, err := metrics.NewAgentEnd(runID, status, duration, keys, outputSizes)
		d.emit(ctx, event, err)
	})
}

// Iteration records one reasoning step. These only surface at the
// highest verbosity but are always constructed so the store keeps them.
func (d *Dispatcher) Iteration(ctx context.Context, iteration int, actionKind, actionSummary, observationSummary string) {
	d.safe(ctx, "agent.iteration", func(runID string) {
		event, err := metrics.NewAgentIteration(runID, iteration, actionKind,
			policy.Truncate(actionSummary), policy.Truncate(observationSummary))
		d.emit(ctx, event, err)
	})
}

// BatchStarted records the start of one log batch.
func (d *Dispatcher) BatchStarted(ctx context.Context, invocationID string, batchNumber, plannedLines int) {
	d.safe(ctx, "batch.start", func(runID string) {
		d.beginCall(invocationID, inflightCall{kind: callBatch, runID: runID, batch: batchNumber})
		event, err := metrics.NewBatchStart(runID, batchNumber, plannedLines)
		d.emit(ctx, event, err)
	})
}

// BatchEnded records a completed batch with cumulative line accounting.
func (d *Dispatcher) BatchEnded(ctx context.Context, invocationID string, batchNumber, linesRead, cumulativeLines int) {
	d.safe(ctx, "batch.end", func(runID string) {
		call, ok := d.endCall(invocationID)
		duration := time.Duration(0)
		if ok {
			duration = time.Since(call.started)
		}
		event, err := metrics.NewBatchEnd(runID, batchNumber, linesRead, cumulativeLines, duration)
		d.emit(ctx, event, err)
	})
}

// BatchDiscovery records what a batch added to the schema.
func (d *Dispatcher) BatchDiscovery(ctx context.Context, batchNumber, newLogTypes, newFields int) {
	d.safe(ctx, "batch.discovery", func(runID string) {
		event, err := metrics.NewBatchDiscovery(runID, batchNumber, newLogTypes, newFields)
		d.emit(ctx, event, err)
	})
}

// HandleOpened records a file handle grant.
func (d *Dispatcher) HandleOpened(ctx context.Context, handleID, path string, totalLines int) {
	d.safe(ctx, "handle.open", func(runID string) {
		d.beginCall(handleKey(handleID), inflightCall{kind: callHandle, runID: runID, handle: handleID})
		event, err := metrics.NewHandleOpen(runID, handleID, path, totalLines)
		d.emit(ctx, event, err)
	})
}

// HandleClosed records a file handle release.
func (d *Dispatcher) HandleClosed(ctx context.Context, handleID string, linesRead int) {
	d.safe(ctx, "handle.close", func(runID string) {
		call, ok := d.endCall(handleKey(handleID))
		duration := time.Duration(0)
		if ok {
			duration = time.Since(call.started)
		}
		event, err := metrics.NewHandleClose(runID, handleID, linesRead, duration)
		d.emit(ctx, event, err)
	})
}

// FinishRun closes out a run: any invocation still in flight gets a
// terminal event with the given status (cancelled when empty), the
// run's token summary is emitted, and the ledger entries are released.
func (d *Dispatcher) FinishRun(ctx context.Context, status string) {
	d.safe(ctx, "finish_run", func(runID string) {
		if status == "" {
			status = metrics.StatusCancelled
		}

		d.mu.Lock()
		var orphans []inflightCall
		for id, call := range d.inflight {
			if call.runID != runID {
				continue
			}
			orphans = append(orphans, call)
			delete(d.inflight, id)
		}
		d.mu.Unlock()

		for _, call := range orphans {
			duration := time.Since(call.started)
			switch call.kind {
			case callLLM:
				event, err := metrics.NewLLMEnd(runID, status, duration)
				d.emit(ctx, event, err)
			case callTool:
				event, err := metrics.NewToolEnd(runID, call.tool, status, duration, 0, "")
				d.emit(ctx, event, err)
			case callBatch:
				event, err := metrics.NewBatchEnd(runID, call.batch, 0, 0, duration)
				d.emit(ctx, event, err)
			case callHandle:
				event, err := metrics.NewHandleClose(runID, call.handle, 0, duration)
				d.emit(ctx, event, err)
			}
		}

		summary := d.ledger.Summarize(runID)
		event, err := metrics.NewAgentTokenSummary(runID, int(summary.TokensBillable), int(summary.TokensSuccessful))
		d.emit(ctx, event, err)
		d.ledger.Reset(runID)
	})
}

func (d *Dispatcher) renderSummary(tool, summary string) string {
	switch d.policy.Resolve(tool, d.verbosity) {
	case policy.DetailFull:
		return observability.ScrubCredentials(summary)
	case policy.DetailTruncated:
		return policy.Truncate(observability.ScrubCredentials(summary))
	default:
		return ""
	}
}

func handleKey(handleID string) string {
	return "handle:" + handleID
}

func payloadBytes(args map[string]any) int {
	if len(args) == 0 {
		return 0
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(encoded)
}
