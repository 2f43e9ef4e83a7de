package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newCommandSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()

	root := t.TempDir()
	logs := filepath.Join(root, "logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	sb, err := New(Grant{
		ReadableRoots:      []string{logs},
		ExecutableCommands: []string{"true", "sleep"},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return sb, logs
}

func TestRunnerRejectsUngrantedCommand(t *testing.T) {
	t.Parallel()

	sb, _ := newCommandSandbox(t)
	runner := NewRunner(sb, time.Second)

	if _, err := runner.Run(context.Background(), "rm", nil, ""); !IsViolation(err) {
		t.Fatalf("Run(rm) error = %v, want violation", err)
	}
}

func TestRunnerRejectsForbiddenPattern(t *testing.T) {
	t.Parallel()

	sb, _ := newCommandSandbox(t)
	runner := NewRunner(sb, time.Second)
	runner.RegisterSpec("true", CommandSpec{
		AllowedArgs:       []string{"--version"},
		ForbiddenPatterns: []string{"--exec"},
	})

	if _, err := runner.Run(context.Background(), "true", []string{"--exec"}, ""); !IsViolation(err) {
		t.Fatalf("Run with forbidden pattern = %v, want violation", err)
	}
}

func TestRunnerRejectsUnlistedFlag(t *testing.T) {
	t.Parallel()

	sb, _ := newCommandSandbox(t)
	runner := NewRunner(sb, time.Second)
	runner.RegisterSpec("true", CommandSpec{AllowedArgs: []string{"--version"}})

	if _, err := runner.Run(context.Background(), "true", []string{"--unsafe"}, ""); !IsViolation(err) {
		t.Fatalf("Run with unlisted flag = %v, want violation", err)
	}
	if _, err := runner.Run(context.Background(), "true", []string{"--version"}, ""); err != nil {
		t.Fatalf("Run with listed flag = %v, want nil", err)
	}
}

func TestRunnerChecksPathArguments(t *testing.T) {
	t.Parallel()

	sb, logs := newCommandSandbox(t)
	runner := NewRunner(sb, time.Second)

	inside := filepath.Join(logs, "app.log")
	if err := os.WriteFile(inside, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := runner.Run(context.Background(), "true", []string{inside}, ""); err != nil {
		t.Fatalf("Run with readable path arg = %v, want nil", err)
	}

	outside := filepath.Join(filepath.Dir(logs), "etc-passwd.txt")
	if err := os.WriteFile(outside, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := runner.Run(context.Background(), "true", []string{outside}, ""); !IsViolation(err) {
		t.Fatal("Run with unreadable path arg must be denied")
	}
}

func TestRunnerKillsOnTimeout(t *testing.T) {
	t.Parallel()

	sb, _ := newCommandSandbox(t)
	runner := NewRunner(sb, 100*time.Millisecond)

	started := time.Now()
	_, err := runner.Run(context.Background(), "sleep", []string{"5"}, "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("command not killed promptly, ran %s", elapsed)
	}
}

func TestRunnerCapturesExitCode(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sb, err := New(Grant{
		ReadableRoots:      []string{root},
		ExecutableCommands: []string{"false"},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	runner := NewRunner(sb, time.Second)

	result, err := runner.Run(context.Background(), "false", nil, "")
	if err != nil {
		t.Fatalf("Run(false) error = %v, want nil with exit code", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("false must exit non-zero")
	}
}
