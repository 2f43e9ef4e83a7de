package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"

	"github.com/google/uuid"
)

// ToolFunc executes one tool invocation.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Descriptor declares a tool: its name and handler. Tools must be
// registered explicitly; there is no discovery mechanism, so an
// unregistered name is always an error.
type Descriptor struct {
	Name        string
	Description string
	Handler     ToolFunc
}

// ToolRegistry holds the run's registered tools and instruments each
// invocation with start/end/error events.
type ToolRegistry struct {
	dispatcher *dispatch.Dispatcher

	mu    sync.RWMutex
	tools map[string]Descriptor
}

func NewToolRegistry(dispatcher *dispatch.Dispatcher) *ToolRegistry {
	return &ToolRegistry{
		dispatcher: dispatcher,
		tools:      make(map[string]Descriptor),
	}
}

// Register adds a tool. Registering an empty name or a nil handler is
// rejected; re-registering a name replaces the previous descriptor.
func (r *ToolRegistry) Register(descriptor Descriptor) error {
	if descriptor.Name == "" {
		return fmt.Errorf("tool descriptor requires a name")
	}
	if descriptor.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", descriptor.Name)
	}

	r.mu.Lock()
	r.tools[descriptor.Name] = descriptor
	r.mu.Unlock()
	return nil
}

// Names returns the registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Invoke runs the named tool with full lifecycle instrumentation. A
// capability denial is reported as a tool error and returned to the
// caller untouched.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	descriptor, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", name)
	}

	invocationID := uuid.NewString()
	r.dispatcher.ToolStarted(ctx, invocationID, name, args)

	result, err := descriptor.Handler(ctx, args)
	if err != nil {
		r.dispatcher.ToolFailed(ctx, invocationID, name, errorKind(err), err.Error())
		return nil, err
	}

	summary, outputBytes := summarizeResult(result)
	r.dispatcher.ToolEnded(ctx, invocationID, name, outputBytes, summary)
	return result, nil
}

func errorKind(err error) string {
	if sandbox.IsViolation(err) {
		return "capability_violation"
	}
	return "tool_failure"
}

func summarizeResult(result any) (string, int) {
	if result == nil {
		return "", 0
	}
	if s, ok := result.(string); ok {
		return s, len(s)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%T", result), 0
	}
	return string(encoded), len(encoded)
}
