// Package sandbox enforces the capability grant an agent run operates
// under: which directory trees it may read, which it may write, and
// which commands it may execute. Checks authorize only; callers perform
// the operation after a nil-error check.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Operations named in violations.
const (
	OpRead    = "read"
	OpWrite   = "write"
	OpExecute = "execute"
)

// Violation reports a denied capability check. It is the only error
// type the checks return, so callers can surface it untouched as a
// tool error.
type Violation struct {
	Op      string
	Path    string
	Command string
	Reason  string
}

func (v *Violation) Error() string {
	subject := v.Path
	if v.Op == OpExecute {
		subject = v.Command
	}
	return fmt.Sprintf("sandbox: %s %q denied: %s", v.Op, subject, v.Reason)
}

// IsViolation reports whether err is a capability denial.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Grant declares the capabilities a run is allowed. It is fixed at
// construction; there is no way to widen a live sandbox.
type Grant struct {
	ReadableRoots      []string
	WritableRoots      []string
	ExecutableCommands []string
}

// Sandbox answers capability checks against a resolved grant. Roots
// are canonicalized once at construction so later checks compare
// resolved paths against resolved roots.
type Sandbox struct {
	readableRoots []string
	writableRoots []string
	commands      map[string]struct{}
}

// New resolves the grant's roots and builds the sandbox. Roots must
// exist: a grant naming a missing directory is a configuration error,
// not something to silently ignore.
func New(grant Grant) (*Sandbox, error) {
	readable, err := resolveRoots(grant.ReadableRoots)
	if err != nil {
		return nil, fmt.Errorf("resolve readable roots: %w", err)
	}
	writable, err := resolveRoots(grant.WritableRoots)
	if err != nil {
		return nil, fmt.Errorf("resolve writable roots: %w", err)
	}

	commands := make(map[string]struct{}, len(grant.ExecutableCommands))
	for _, command := range grant.ExecutableCommands {
		name := strings.TrimSpace(command)
		if name == "" {
			continue
		}
		if strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("executable command %q must be a bare name", command)
		}
		commands[name] = struct{}{}
	}

	return &Sandbox{
		readableRoots: readable,
		writableRoots: writable,
		commands:      commands,
	}, nil
}

func resolveRoots(roots []string) ([]string, error) {
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("absolutize %q: %w", root, err)
		}
		canonical, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %q: %w", root, err)
		}
		resolved = append(resolved, canonical)
	}
	return resolved, nil
}

// CheckRead authorizes reading path. The path is fully resolved,
// symlinks included, before containment is tested so a link inside a
// readable root cannot reach outside it.
func (s *Sandbox) CheckRead(path string) error {
	resolved, err := resolveExisting(path)
	if err != nil {
		return &Violation{Op: OpRead, Path: path, Reason: resolveReason(err)}
	}
	if !containedInAny(resolved, s.readableRoots) {
		return &Violation{Op: OpRead, Path: path, Reason: "outside readable roots"}
	}
	return nil
}

// CheckWrite authorizes writing path. The target may not exist yet, so
// the nearest existing ancestor is resolved and the remainder rejoined
// before containment is tested.
func (s *Sandbox) CheckWrite(path string) error {
	resolved, err := resolveForWrite(path)
	if err != nil {
		return &Violation{Op: OpWrite, Path: path, Reason: resolveReason(err)}
	}
	if !containedInAny(resolved, s.writableRoots) {
		return &Violation{Op: OpWrite, Path: path, Reason: "outside writable roots"}
	}
	return nil
}

// CheckExecute authorizes running command. Only bare names on the
// grant's allowlist pass; anything path-shaped or shell-shaped is
// denied outright.
func (s *Sandbox) CheckExecute(command string) error {
	name := strings.TrimSpace(command)
	if name == "" {
		return &Violation{Op: OpExecute, Command: command, Reason: "empty command"}
	}
	if strings.ContainsAny(name, "/\\") {
		return &Violation{Op: OpExecute, Command: command, Reason: "command must be a bare name"}
	}
	if strings.ContainsAny(name, ";&|$`<>\n\t ") {
		return &Violation{Op: OpExecute, Command: command, Reason: "command contains shell metacharacters"}
	}
	if _, ok := s.commands[name]; !ok {
		return &Violation{Op: OpExecute, Command: command, Reason: "command not on allowlist"}
	}
	return nil
}

func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// resolveForWrite canonicalizes the deepest existing ancestor and
// rejoins the not-yet-existing remainder onto it.
func resolveForWrite(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	remainder := ""
	dir := abs
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(dir), remainder)
		dir = parent
	}
}

func resolveReason(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "path does not exist"
	}
	return "path resolution failed: " + err.Error()
}

func containedInAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
