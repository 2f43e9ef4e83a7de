package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandSpec narrows what a granted command may be invoked with.
type CommandSpec struct {
	AllowedArgs       []string
	ForbiddenPatterns []string
}

// CommandResult is the captured outcome of one command run.
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes granted commands directly, never through a shell.
// Each command is validated against the sandbox's execute grant and its
// registered spec before the process starts.
type Runner struct {
	sandbox *Sandbox
	specs   map[string]CommandSpec
	timeout time.Duration
}

func NewRunner(sb *Sandbox, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		sandbox: sb,
		specs:   make(map[string]CommandSpec),
		timeout: timeout,
	}
}

// RegisterSpec installs argument rules for a granted command. A command
// without a spec accepts only file paths and numeric arguments.
func (r *Runner) RegisterSpec(command string, spec CommandSpec) {
	r.specs[strings.TrimSpace(command)] = spec
}

// Run executes command with args inside the sandbox's first readable
// root, or workdir when given. The process is killed when ctx is done
// or the runner's timeout elapses.
func (r *Runner) Run(ctx context.Context, command string, args []string, workdir string) (*CommandResult, error) {
	if err := r.sandbox.CheckExecute(command); err != nil {
		return nil, err
	}
	if err := r.validateArgs(command, args); err != nil {
		return nil, err
	}

	if workdir != "" {
		if err := r.sandbox.CheckRead(workdir); err != nil {
			return nil, err
		}
	} else if len(r.sandbox.readableRoots) > 0 {
		workdir = r.sandbox.readableRoots[0]
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if runCtx.Err() != nil {
		return result, fmt.Errorf("command %q timed out after %s", command, r.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run command %q: %w", command, err)
	}
	return result, nil
}

func (r *Runner) validateArgs(command string, args []string) error {
	spec := r.specs[command]

	joined := strings.Join(args, " ")
	for _, pattern := range spec.ForbiddenPatterns {
		if pattern != "" && strings.Contains(joined, pattern) {
			return &Violation{
				Op:      OpExecute,
				Command: command,
				Reason:  fmt.Sprintf("forbidden pattern %q in arguments", pattern),
			}
		}
	}

	for _, arg := range args {
		if isPathArg(arg) {
			if err := r.sandbox.CheckRead(arg); err != nil {
				return err
			}
			continue
		}
		if isNumeric(arg) {
			continue
		}
		if !argAllowed(arg, spec.AllowedArgs) {
			return &Violation{
				Op:      OpExecute,
				Command: command,
				Reason:  fmt.Sprintf("argument %q not on allowlist", arg),
			}
		}
	}
	return nil
}

func isPathArg(arg string) bool {
	if strings.ContainsRune(arg, '/') {
		return true
	}
	for _, suffix := range []string{".json", ".jsonl", ".log", ".txt", ".yaml", ".yml"} {
		if strings.HasSuffix(arg, suffix) {
			return true
		}
	}
	return false
}

func isNumeric(arg string) bool {
	if arg == "" {
		return false
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func argAllowed(arg string, allowed []string) bool {
	for _, candidate := range allowed {
		if arg == candidate || strings.HasPrefix(arg, candidate+"=") {
			return true
		}
	}
	return false
}
