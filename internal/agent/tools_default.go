package agent

import (
	"context"
	"fmt"

	"github.com/noamsalit/Log-analysis-agent/internal/handles"
	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"
)

// RegisterFileTools installs the file-access tools backed by the
// handle registry. These are the tools the batch loop itself invokes.
func RegisterFileTools(tools *ToolRegistry, registry *handles.Registry) error {
	descriptors := []Descriptor{
		{
			Name:        "open_log_file",
			Description: "Open a log file inside the readable roots and return a handle id.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := stringArg(args, "path")
				if err != nil {
					return nil, err
				}
				return registry.Open(ctx, path)
			},
		},
		{
			Name:        "read_log_lines",
			Description: "Read up to count lines from an open handle.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				handleID, err := stringArg(args, "handle_id")
				if err != nil {
					return nil, err
				}
				count, err := intArg(args, "count")
				if err != nil {
					return nil, err
				}
				return registry.ReadLines(ctx, handleID, count)
			},
		},
		{
			Name:        "close_log_file",
			Description: "Close an open handle.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				handleID, err := stringArg(args, "handle_id")
				if err != nil {
					return nil, err
				}
				return nil, registry.Close(ctx, handleID)
			},
		},
	}

	for _, descriptor := range descriptors {
		if err := tools.Register(descriptor); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCommandTool installs the allowlisted command-execution tool.
func RegisterCommandTool(tools *ToolRegistry, runner *sandbox.Runner) error {
	return tools.Register(Descriptor{
		Name:        "run_safe_command",
		Description: "Run a command from the execute allowlist, never through a shell.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return nil, err
			}
			commandArgs := stringSliceArg(args, "args")
			workdir, _ := args["workdir"].(string)

			result, err := runner.Run(ctx, command, commandArgs, workdir)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"exit_code": result.ExitCode,
				"stdout":    result.Stdout,
				"stderr":    result.Stderr,
			}, nil
		},
	})
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return value, nil
}

func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", key)
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
