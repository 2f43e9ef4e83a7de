package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"
)

func TestSchemaMergeCountsNewDiscoveries(t *testing.T) {
	t.Parallel()

	schema := NewSchema()

	newType, newFields := schema.Merge("nginx_access", []string{"ip", "method", "status"})
	if !newType || newFields != 3 {
		t.Fatalf("first merge = (%v, %d), want (true, 3)", newType, newFields)
	}

	// Replay adds nothing.
	newType, newFields = schema.Merge("nginx_access", []string{"ip", "method", "status"})
	if newType || newFields != 0 {
		t.Fatalf("replayed merge = (%v, %d), want (false, 0)", newType, newFields)
	}

	// New field on an existing type.
	newType, newFields = schema.Merge("nginx_access", []string{"status", "bytes_sent"})
	if newType || newFields != 1 {
		t.Fatalf("incremental merge = (%v, %d), want (false, 1)", newType, newFields)
	}

	if got := schema.LogTypeCount(); got != 1 {
		t.Fatalf("LogTypeCount = %d, want 1", got)
	}
}

func TestSchemaMergeIgnoresEmptyNames(t *testing.T) {
	t.Parallel()

	schema := NewSchema()
	if newType, _ := schema.Merge("", []string{"field"}); newType {
		t.Fatal("empty log type must be ignored")
	}
	if _, newFields := schema.Merge("app", []string{"", "level"}); newFields != 1 {
		t.Fatal("empty field names must be ignored")
	}
}

func TestSchemaSnapshotIsSorted(t *testing.T) {
	t.Parallel()

	schema := NewSchema()
	schema.Merge("app", []string{"zeta", "alpha", "mid"})

	snapshot := schema.Snapshot()
	fields := snapshot["app"]
	if len(fields) != 3 || fields[0] != "alpha" || fields[2] != "zeta" {
		t.Fatalf("snapshot fields = %v, want sorted", fields)
	}
}

func TestSchemaSaveRespectsWriteGrant(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writable := filepath.Join(root, "out")
	if err := os.MkdirAll(writable, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sb, err := sandbox.New(sandbox.Grant{WritableRoots: []string{writable}})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}

	schema := NewSchema()
	schema.Merge("app", []string{"level", "message"})

	target := filepath.Join(writable, "schema.json")
	if err := schema.Save(target, sb); err != nil {
		t.Fatalf("Save inside writable root = %v, want nil", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read saved schema: %v", err)
	}
	var decoded map[string][]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("saved schema is not valid JSON: %v", err)
	}
	if len(decoded["app"]) != 2 {
		t.Fatalf("saved schema = %v", decoded)
	}

	denied := filepath.Join(root, "schema.json")
	if err := schema.Save(denied, sb); !sandbox.IsViolation(err) {
		t.Fatalf("Save outside writable root = %v, want violation", err)
	}
	if _, err := os.Stat(denied); !os.IsNotExist(err) {
		t.Fatal("denied save must not create the file")
	}
}
