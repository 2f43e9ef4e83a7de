// Package agent orchestrates schema discovery: it walks the log file
// batch by batch, asks the model what it sees, and merges the answers
// into one schema document.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"
)

// Schema is the run's primary artifact: the set of log types
// discovered so far and the fields observed for each.
type Schema struct {
	mu       sync.Mutex
	logTypes map[string]map[string]struct{}
}

func NewSchema() *Schema {
	return &Schema{logTypes: make(map[string]map[string]struct{})}
}

// Merge folds one discovery into the schema and reports what was new.
// Merging is idempotent: replaying the same discovery adds nothing.
func (s *Schema) Merge(logType string, fields []string) (newType bool, newFields int) {
	if logType == "" {
		return false, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.logTypes[logType]
	if !ok {
		existing = make(map[string]struct{}, len(fields))
		s.logTypes[logType] = existing
		newType = true
	}
	for _, field := range fields {
		if field == "" {
			continue
		}
		if _, seen := existing[field]; !seen {
			existing[field] = struct{}{}
			newFields++
		}
	}
	return newType, newFields
}

// LogTypeCount returns the number of distinct log types discovered.
func (s *Schema) LogTypeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logTypes)
}

// Snapshot returns the schema as sorted log-type to field-list pairs.
func (s *Schema) Snapshot() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string][]string, len(s.logTypes))
	for logType, fields := range s.logTypes {
		sorted := make([]string, 0, len(fields))
		for field := range fields {
			sorted = append(sorted, field)
		}
		sort.Strings(sorted)
		snapshot[logType] = sorted
	}
	return snapshot
}

// Save writes the schema as indented JSON. The write is authorized by
// the sandbox first; a denial leaves the target untouched.
func (s *Schema) Save(path string, sb *sandbox.Sandbox) error {
	if err := sb.CheckWrite(path); err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("write schema %q: %w", path, err)
	}
	return nil
}
