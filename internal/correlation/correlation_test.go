package correlation

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestNewRunIDFormat(t *testing.T) {
	t.Parallel()

	id := NewRunID()
	if !strings.HasPrefix(id, IDPrefix) {
		t.Fatalf("run id %q missing prefix %q", id, IDPrefix)
	}
	suffix := strings.TrimPrefix(id, IDPrefix)
	if len(suffix) != 32 {
		t.Fatalf("run id suffix length=%d, want 32", len(suffix))
	}
	for _, r := range suffix {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("run id suffix %q contains non-hex rune %q", suffix, r)
		}
	}
}

func TestNewRunIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("duplicate run id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestRunFromContextAbsentWithoutBinding(t *testing.T) {
	t.Parallel()

	if id, ok := RunFromContext(context.Background()); ok || id != "" {
		t.Fatalf("RunFromContext()=(%q, %v), want absent", id, ok)
	}
	if id, ok := RunFromContext(nil); ok || id != "" {
		t.Fatalf("RunFromContext(nil)=(%q, %v), want absent", id, ok)
	}
}

func TestWithRunRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithRun(context.Background(), "run-abc123")
	id, ok := RunFromContext(ctx)
	if !ok || id != "run-abc123" {
		t.Fatalf("RunFromContext()=(%q, %v), want run-abc123", id, ok)
	}
}

func TestWithRunIgnoresInvalidID(t *testing.T) {
	t.Parallel()

	base := WithRun(context.Background(), "run-valid")
	ctx := WithRun(base, "bad id with spaces")
	id, ok := RunFromContext(ctx)
	if !ok || id != "run-valid" {
		t.Fatalf("RunFromContext()=(%q, %v), want inherited run-valid", id, ok)
	}
}

func TestWithoutRunShadowsBinding(t *testing.T) {
	t.Parallel()

	ctx := WithoutRun(WithRun(context.Background(), "run-abc"))
	if id, ok := RunFromContext(ctx); ok {
		t.Fatalf("RunFromContext()=%q after WithoutRun, want absent", id)
	}
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	t.Parallel()

	const workers = 64
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := NewRunID()
			ctx := WithRun(context.Background(), want)

			// Nested work scheduled from this scope must observe only
			// this scope's id.
			inner := make(chan string, 1)
			go func(ctx context.Context) {
				got, _ := RunFromContext(ctx)
				inner <- got
			}(ctx)

			if got := <-inner; got != want {
				errs <- &idMismatchError{got: got, want: want}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

type idMismatchError struct {
	got, want string
}

func (e *idMismatchError) Error() string {
	return "run id leaked across scopes: got " + e.got + ", want " + e.want
}
