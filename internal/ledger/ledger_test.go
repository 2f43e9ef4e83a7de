package ledger

import (
	"fmt"
	"sync"
	"testing"
)

func TestSummarizeSplitsSuccessfulAndBillable(t *testing.T) {
	t.Parallel()

	l := New()
	l.Record("run-1", Entry{Prompt: 100, Completion: 50, Succeeded: true})
	l.Record("run-1", Entry{Prompt: 80, Completion: 0, Succeeded: false})

	summary := l.Summarize("run-1")
	if summary.TokensSuccessful != 150 {
		t.Fatalf("TokensSuccessful = %d, want 150", summary.TokensSuccessful)
	}
	if summary.TokensBillable != 230 {
		t.Fatalf("TokensBillable = %d, want 230", summary.TokensBillable)
	}
	if summary.Calls != 2 {
		t.Fatalf("Calls = %d, want 2", summary.Calls)
	}
}

func TestSummarizeUnknownRunIsZero(t *testing.T) {
	t.Parallel()

	summary := New().Summarize("run-never-seen")
	if summary != (Summary{}) {
		t.Fatalf("unknown run summary = %+v, want zero", summary)
	}
}

func TestRecordNormalizesZeroTotal(t *testing.T) {
	t.Parallel()

	l := New()
	l.Record("run-1", Entry{Prompt: 10, Completion: 5, Succeeded: true})

	if got := l.Summarize("run-1").TokensBillable; got != 15 {
		t.Fatalf("TokensBillable = %d, want 15", got)
	}
}

func TestRecordIgnoresEmptyRunID(t *testing.T) {
	t.Parallel()

	l := New()
	l.Record("", Entry{Total: 100, Succeeded: true})
	if got := l.Summarize("").Calls; got != 0 {
		t.Fatalf("Calls for empty run id = %d, want 0", got)
	}
}

func TestResetDropsRunEntries(t *testing.T) {
	t.Parallel()

	l := New()
	l.Record("run-1", Entry{Total: 100, Succeeded: true})
	l.Record("run-2", Entry{Total: 40, Succeeded: true})
	l.Reset("run-1")

	if got := l.Summarize("run-1").TokensBillable; got != 0 {
		t.Fatalf("run-1 billable after reset = %d, want 0", got)
	}
	if got := l.Summarize("run-2").TokensBillable; got != 40 {
		t.Fatalf("run-2 billable = %d, want 40", got)
	}
}

func TestConcurrentRecordLosesNoUpdates(t *testing.T) {
	t.Parallel()

	const goroutines = 32
	const perGoroutine = 100

	l := New()
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		runID := fmt.Sprintf("run-%d", g%4)
		go func(runID string) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				l.Record(runID, Entry{Total: 1, Succeeded: i%2 == 0})
			}
		}(runID)
	}
	wg.Wait()

	total := int64(0)
	for g := 0; g < 4; g++ {
		total += l.Summarize(fmt.Sprintf("run-%d", g)).TokensBillable
	}
	if want := int64(goroutines * perGoroutine); total != want {
		t.Fatalf("total billable = %d, want %d", total, want)
	}
}
