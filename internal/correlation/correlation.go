// Package correlation provides the run identity that ties every metric
// event, log line, and token ledger entry of one agent run together.
//
// The binding is context-scoped rather than a process-wide variable so
// that concurrent runs in the same process never observe each other's
// id: a goroutine sees a run id only if it was handed a context derived
// from that run's scope.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// IDPrefix makes run ids greppable in interleaved log output.
	IDPrefix = "run-"
	maxIDLen = 128
)

type contextKey struct{}

var runContextKey contextKey

// NewRunID returns a new globally unique run identifier.
func NewRunID() string {
	var bytes [16]byte
	if _, err := rand.Read(bytes[:]); err != nil {
		return fmt.Sprintf("%s%d", IDPrefix, time.Now().UnixNano())
	}
	return IDPrefix + hex.EncodeToString(bytes[:])
}

// WithRun binds a normalized run identifier to the context. An empty or
// invalid id leaves the context unchanged so a bad id can never shadow
// a valid inherited binding silently.
func WithRun(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, runContextKey, normalized)
}

// WithoutRun shadows any inherited run binding. RunFromContext on the
// returned context reports absent.
func WithoutRun(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithValue(ctx, runContextKey, "")
}

// RunFromContext extracts the active run identifier. The second return
// value is false when no run is bound; callers must treat that as
// missing, never substitute a default id.
func RunFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(runContextKey).(string)
	if !ok {
		return "", false
	}
	normalized := normalizeID(value)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
