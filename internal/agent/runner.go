package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/noamsalit/Log-analysis-agent/internal/config"
	"github.com/noamsalit/Log-analysis-agent/internal/correlation"
	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/handles"
	"github.com/noamsalit/Log-analysis-agent/internal/llm"
	"github.com/noamsalit/Log-analysis-agent/internal/metrics"
	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds how many batches are analyzed at once. Reads
// stay sequential; only the model calls overlap.
const batchConcurrency = 4

const discoveryPrompt = `You are analyzing raw log lines to discover their schema.
Identify each distinct log type in the batch and the fields it carries.
Respond with a single JSON object mapping log type names to arrays of
field names, for example {"nginx_access": ["ip", "method", "status"]}.
Respond with JSON only.`

// Runner drives one schema-discovery run end to end.
type Runner struct {
	cfg        config.AgentConfig
	client     *llm.Client
	registry   *handles.Registry
	tools      *ToolRegistry
	dispatcher *dispatch.Dispatcher
	sandbox    *sandbox.Sandbox
	schema     *Schema
	logger     *slog.Logger
}

func NewRunner(cfg config.AgentConfig, client *llm.Client, registry *handles.Registry, tools *ToolRegistry, dispatcher *dispatch.Dispatcher, sb *sandbox.Sandbox, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:        cfg,
		client:     client,
		registry:   registry,
		tools:      tools,
		dispatcher: dispatcher,
		sandbox:    sb,
		schema:     NewSchema(),
		logger:     logger,
	}
}

// Schema exposes the run's accumulated schema document.
func (r *Runner) Schema() *Schema {
	return r.schema
}

// Run discovers the schema of the log file at logPath and writes the
// result to the configured schema path. It returns the run id used for
// every event the run emitted.
func (r *Runner) Run(ctx context.Context, logPath string) (string, error) {
	runID := correlation.NewRunID()
	ctx = correlation.WithRun(ctx, runID)

	inputSizes := map[string]int{}
	if info, err := os.Stat(logPath); err == nil {
		inputSizes["log_file"] = int(info.Size())
	}
	r.dispatcher.AgentStarted(ctx, inputSizes)

	status := metrics.StatusOK
	runErr := r.process(ctx, logPath)
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		status = metrics.StatusCancelled
	default:
		status = metrics.StatusError
	}

	outputSizes := map[string]int{}
	if runErr == nil || status == metrics.StatusCancelled {
		if saveErr := r.schema.Save(r.cfg.SchemaPath, r.sandbox); saveErr != nil {
			r.logger.ErrorContext(ctx, "failed to save schema", "path", r.cfg.SchemaPath, "error", saveErr)
			if runErr == nil {
				runErr = saveErr
				status = metrics.StatusError
			}
		} else if info, err := os.Stat(r.cfg.SchemaPath); err == nil {
			outputSizes["schema"] = int(info.Size())
		}
	}

	r.dispatcher.FinishRun(ctx, metrics.StatusCancelled)
	r.dispatcher.AgentEnded(ctx, status, outputSizes)
	return runID, runErr
}

func (r *Runner) process(ctx context.Context, logPath string) error {
	handleID, err := r.registry.Open(ctx, logPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := r.registry.CloseAll(ctx); closeErr != nil {
			r.logger.WarnContext(ctx, "failed to close log handles", "error", closeErr)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(batchConcurrency)

	var readErr error
	cumulativeLines := 0
	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		if groupCtx.Err() != nil {
			break
		}

		var lines []string
		lines, readErr = r.readBatch(groupCtx, handleID)
		if len(lines) == 0 {
			break
		}
		cumulativeLines += len(lines)

		batchNumber := iteration
		cumulative := cumulativeLines
		batchLines := lines
		invocationID := uuid.NewString()
		r.dispatcher.BatchStarted(groupCtx, invocationID, batchNumber, len(batchLines))
		r.dispatcher.Iteration(groupCtx, iteration, "analyze_batch",
			fmt.Sprintf("batch %d with %d lines", batchNumber, len(batchLines)), "")

		group.Go(func() error {
			return r.analyzeBatch(groupCtx, invocationID, batchNumber, cumulative, batchLines)
		})

		if readErr != nil {
			break
		}
	}

	if waitErr := group.Wait(); waitErr != nil {
		return waitErr
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return ctx.Err()
}

// readBatch pulls the next batch of lines through the read_log_lines
// tool so file access carries tool-level instrumentation, matching
// every other capability the run exercises.
func (r *Runner) readBatch(ctx context.Context, handleID string) ([]string, error) {
	result, err := r.tools.Invoke(ctx, "read_log_lines", map[string]any{
		"handle_id": handleID,
		"count":     r.cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	lines, ok := result.([]string)
	if !ok {
		return nil, fmt.Errorf("read_log_lines returned %T, want []string", result)
	}
	return lines, nil
}

func (r *Runner) analyzeBatch(ctx context.Context, invocationID string, batchNumber, cumulativeLines int, lines []string) error {
	defer r.dispatcher.BatchEnded(ctx, invocationID, batchNumber, len(lines), cumulativeLines)

	content, err := r.client.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: discoveryPrompt},
		{Role: openai.ChatMessageRoleUser, Content: strings.Join(lines, "\n")},
	})
	if err != nil {
		return fmt.Errorf("analyze batch %d: %w", batchNumber, err)
	}

	discoveries, err := parseDiscovery(content)
	if err != nil {
		r.logger.WarnContext(ctx, "discarding unparseable discovery response",
			"batch", batchNumber, "error", err)
		return nil
	}

	newTypes := 0
	newFields := 0
	for logType, fields := range discoveries {
		addedType, addedFields := r.schema.Merge(logType, fields)
		if addedType {
			newTypes++
		}
		newFields += addedFields
	}
	r.dispatcher.BatchDiscovery(ctx, batchNumber, newTypes, newFields)
	return nil
}

// parseDiscovery extracts the log-type to field-list map from the
// model's response, tolerating prose around the JSON object.
func parseDiscovery(content string) (map[string][]string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.New("response contains no JSON object")
	}

	var discoveries map[string][]string
	if err := json.Unmarshal([]byte(content[start:end+1]), &discoveries); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}
	return discoveries, nil
}
