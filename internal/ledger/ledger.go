// Package ledger keeps per-run token accounting so a run can be
// reconciled against provider billing after it ends. Successful and
// billable totals diverge because a failed call still consumes the
// tokens the provider charged for.
package ledger

import "sync"

// Entry is one LLM call's token usage.
type Entry struct {
	Prompt     int64
	Completion int64
	Total      int64
	Succeeded  bool
}

// Summary aggregates a run's entries.
type Summary struct {
	Calls            int64
	TokensSuccessful int64
	TokensBillable   int64
	Prompt           int64
	Completion       int64
}

// Ledger records token usage keyed by run id. All methods are safe for
// concurrent use; Record never fails.
type Ledger struct {
	mu   sync.RWMutex
	runs map[string][]Entry
}

func New() *Ledger {
	return &Ledger{runs: make(map[string][]Entry)}
}

// Record appends one call's usage to the run. A zero total is
// normalized to prompt+completion.
func (l *Ledger) Record(runID string, entry Entry) {
	if l == nil || runID == "" {
		return
	}
	if entry.Total == 0 {
		entry.Total = entry.Prompt + entry.Completion
	}

	l.mu.Lock()
	l.runs[runID] = append(l.runs[runID], entry)
	l.mu.Unlock()
}

// Summarize aggregates the run's entries. Unknown runs return a zero
// summary, not an error: asking about a run that never recorded usage
// is a valid question with the answer zero.
func (l *Ledger) Summarize(runID string) Summary {
	if l == nil {
		return Summary{}
	}

	l.mu.RLock()
	entries := l.runs[runID]
	summary := Summary{Calls: int64(len(entries))}
	for _, entry := range entries {
		summary.TokensBillable += entry.Total
		summary.Prompt += entry.Prompt
		summary.Completion += entry.Completion
		if entry.Succeeded {
			summary.TokensSuccessful += entry.Total
		}
	}
	l.mu.RUnlock()

	return summary
}

// Reset drops a finished run's entries.
func (l *Ledger) Reset(runID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.runs, runID)
	l.mu.Unlock()
}
