package handles

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/ledger"
	"github.com/noamsalit/Log-analysis-agent/internal/metrics"
	"github.com/noamsalit/Log-analysis-agent/internal/policy"
	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()

	root := t.TempDir()
	sb, err := sandbox.New(sandbox.Grant{ReadableRoots: []string{root}})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := metrics.NewEmitter(logger, nil, nil)
	dispatcher := dispatch.New(emitter, ledger.New(), policy.New(nil), nil, logger, policy.VerbosityMid)
	return NewRegistry(sb, dispatcher), root
}

func writeLogFixture(t *testing.T, dir string, lines int) string {
	t.Helper()
	path := filepath.Join(dir, "app.log")
	content := ""
	for i := 0; i < lines; i++ {
		content += "line\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestOpenReadClose(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	path := writeLogFixture(t, root, 5)
	ctx := context.Background()

	handleID, err := registry.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if handleID == "" {
		t.Fatal("Open must return a handle id")
	}

	lines, err := registry.ReadLines(ctx, handleID, 3)
	if err != nil {
		t.Fatalf("ReadLines returned error: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("read %d lines, want 3", len(lines))
	}

	lines, err = registry.ReadLines(ctx, handleID, 10)
	if err != nil {
		t.Fatalf("ReadLines at tail returned error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("read %d lines at tail, want 2", len(lines))
	}
	if !registry.Exhausted(handleID) {
		t.Fatal("handle must be exhausted after reading past end")
	}

	if err := registry.Close(ctx, handleID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := registry.ReadLines(ctx, handleID, 1); err == nil {
		t.Fatal("ReadLines on closed handle must fail")
	}
}

func TestOpenOutsideSandboxDenied(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	outside := writeLogFixture(t, t.TempDir(), 1)

	if _, err := registry.Open(context.Background(), outside); !sandbox.IsViolation(err) {
		t.Fatalf("Open outside sandbox = %v, want violation", err)
	}
}

func TestReadLinesRejectsBadArguments(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	path := writeLogFixture(t, root, 1)
	handleID, err := registry.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if _, err := registry.ReadLines(context.Background(), handleID, 0); err == nil {
		t.Fatal("ReadLines with zero count must fail")
	}
	if _, err := registry.ReadLines(context.Background(), "no-such-handle", 1); err == nil {
		t.Fatal("ReadLines with unknown handle must fail")
	}
}

func TestCloseAllReleasesEverything(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.Open(ctx, writeLogFixture(t, root, 2))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	path2 := filepath.Join(root, "other.log")
	if err := os.WriteFile(path2, []byte("a\nb\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	second, err := registry.Open(ctx, path2)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := registry.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll returned error: %v", err)
	}
	for _, id := range []string{first, second} {
		if _, err := registry.ReadLines(ctx, id, 1); err == nil {
			t.Fatalf("handle %s still readable after CloseAll", id)
		}
	}
}

func TestConcurrentReadsShareOneCursor(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	path := writeLogFixture(t, root, 100)
	ctx := context.Background()

	handleID, err := registry.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	const readers = 4
	var wg sync.WaitGroup
	counts := make([]int, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				lines, err := registry.ReadLines(ctx, handleID, 5)
				counts[i] += len(lines)
				if err != nil {
					errs[i] = err
					return
				}
				if len(lines) == 0 {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d returned error: %v", i, errs[i])
		}
		total += counts[i]
	}
	if total != 100 {
		t.Fatalf("readers saw %d lines in total, want every line exactly once (100)", total)
	}
	if !registry.Exhausted(handleID) {
		t.Fatal("handle must be exhausted after all lines are read")
	}
}

func TestCloseDuringConcurrentReads(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	path := writeLogFixture(t, root, 2000)
	ctx := context.Background()

	handleID, err := registry.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				lines, err := registry.ReadLines(ctx, handleID, 10)
				if err != nil || len(lines) == 0 {
					return
				}
			}
		}()
	}
	if err := registry.Close(ctx, handleID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	wg.Wait()

	if _, err := registry.ReadLines(ctx, handleID, 1); err == nil {
		t.Fatal("ReadLines after Close must fail")
	}
}

func TestOpenReportsTotalLines(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	path := writeLogFixture(t, root, 7)

	handleID, err := registry.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	registry.mu.Lock()
	total := registry.handles[handleID].totalLines
	registry.mu.Unlock()
	if total != 7 {
		t.Fatalf("totalLines = %d, want 7", total)
	}
}
