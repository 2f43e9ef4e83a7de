// Package handles manages open log-file handles for an agent run.
// Every open passes the capability sandbox, every handle carries a
// line-position cursor, and open/close pairs are reported as metric
// events so leaked handles are visible after the run.
package handles

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"

	"github.com/google/uuid"
)

// maxLineBytes bounds a single log line; longer lines are split by the
// scanner's buffer rather than aborting the read.
const maxLineBytes = 1 << 20

var errHandleClosed = fmt.Errorf("handle is closed")

// handle guards its cursor state with its own mutex so concurrent
// reads of one handle serialize without holding the registry lock.
type handle struct {
	id         string
	path       string
	totalLines int

	mu        sync.Mutex
	file      *os.File
	scanner   *bufio.Scanner
	linesRead int
	exhausted bool
	closed    bool
}

// Registry tracks the run's open handles.
type Registry struct {
	sandbox    *sandbox.Sandbox
	dispatcher *dispatch.Dispatcher

	mu      sync.Mutex
	handles map[string]*handle
}

func NewRegistry(sb *sandbox.Sandbox, dispatcher *dispatch.Dispatcher) *Registry {
	return &Registry{
		sandbox:    sb,
		dispatcher: dispatcher,
		handles:    make(map[string]*handle),
	}
}

// Open authorizes path against the sandbox, counts its lines, and
// returns a handle id for subsequent reads.
func (r *Registry) Open(ctx context.Context, path string) (string, error) {
	if err := r.sandbox.CheckRead(path); err != nil {
		return "", err
	}

	totalLines, err := countLines(path)
	if err != nil {
		return "", fmt.Errorf("count lines in %q: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	h := &handle{
		id:         uuid.NewString(),
		path:       path,
		file:       file,
		scanner:    scanner,
		totalLines: totalLines,
	}

	r.mu.Lock()
	r.handles[h.id] = h
	r.mu.Unlock()

	r.dispatcher.HandleOpened(ctx, h.id, path, totalLines)
	return h.id, nil
}

// ReadLines returns up to n lines from the handle's cursor. Fewer
// lines than requested means end of file.
func (r *Registry) ReadLines(ctx context.Context, handleID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("read count must be > 0 (got %d)", n)
	}

	r.mu.Lock()
	h, ok := r.handles[handleID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown handle %q: %w", handleID, errHandleClosed)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("handle %q: %w", handleID, errHandleClosed)
	}

	lines := make([]string, 0, n)
	for len(lines) < n && !h.exhausted {
		if ctx != nil && ctx.Err() != nil {
			return lines, ctx.Err()
		}
		if !h.scanner.Scan() {
			h.exhausted = true
			if err := h.scanner.Err(); err != nil {
				return lines, fmt.Errorf("read %q: %w", h.path, err)
			}
			break
		}
		lines = append(lines, h.scanner.Text())
		h.linesRead++
	}
	return lines, nil
}

// Exhausted reports whether the handle has read past its last line.
func (r *Registry) Exhausted(handleID string) bool {
	r.mu.Lock()
	h, ok := r.handles[handleID]
	r.mu.Unlock()
	if !ok {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exhausted
}

// Close releases the handle and reports its read count.
func (r *Registry) Close(ctx context.Context, handleID string) error {
	r.mu.Lock()
	h, ok := r.handles[handleID]
	if ok {
		delete(r.handles, handleID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown handle %q: %w", handleID, errHandleClosed)
	}
	return r.closeHandle(ctx, h)
}

// CloseAll releases every handle still open, returning the first close
// error. Used at run teardown so no descriptor survives the run.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	open := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		open = append(open, h)
	}
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	var firstErr error
	for _, h := range open {
		if err := r.closeHandle(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// closeHandle waits for any in-flight read before closing the file so
// the scanner never reads from a closed descriptor.
func (r *Registry) closeHandle(ctx context.Context, h *handle) error {
	h.mu.Lock()
	h.closed = true
	err := h.file.Close()
	linesRead := h.linesRead
	h.mu.Unlock()

	r.dispatcher.HandleClosed(ctx, h.id, linesRead)
	if err != nil {
		return fmt.Errorf("close %q: %w", h.path, err)
	}
	return nil
}

func countLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}
