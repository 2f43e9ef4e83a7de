package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("event store record not found")

// EventRecord is the persisted form of an Event: the full JSON payload
// plus the columns the report queries index on.
type EventRecord struct {
	ID               string
	RunID            string
	Kind             string
	Timestamp        time.Time
	ToolName         string
	Status           string
	DurationMS       float64
	TokensPrompt     int
	TokensCompletion int
	TokensTotal      int
	Payload          string
	CreatedAt        time.Time
}

// NewRecord flattens an event into its storable form. The event is
// validated again through Encode so a record can never be built from a
// malformed event.
func NewRecord(e Event) (*EventRecord, error) {
	payload, err := Encode(e)
	if err != nil {
		return nil, err
	}

	record := &EventRecord{
		ID:        uuid.NewString(),
		RunID:     e.EventRunID(),
		Kind:      string(e.EventKind()),
		Timestamp: e.EventTime(),
		Payload:   string(payload),
		CreatedAt: time.Now().UTC(),
	}

	switch v := e.(type) {
	case *LLMUsage:
		record.TokensPrompt = v.TokensPrompt
		record.TokensCompletion = v.TokensCompletion
		record.TokensTotal = v.TokensTotal
	case *LLMEnd:
		record.Status = v.Status
		record.DurationMS = v.DurationMS
	case *ToolStart:
		record.ToolName = v.ToolName
	case *ToolEnd:
		record.ToolName = v.ToolName
		record.Status = v.Status
		record.DurationMS = v.DurationMS
	case *ToolError:
		record.ToolName = v.ToolName
		record.Status = StatusError
	case *AgentEnd:
		record.Status = v.Status
		record.DurationMS = v.DurationMS
	case *AgentTokenSummary:
		record.TokensTotal = v.TokensBillableEstimate
	case *BatchEnd:
		record.DurationMS = v.DurationMS
	case *HandleClose:
		record.DurationMS = v.DurationMS
	case *LLMError:
		record.Status = StatusError
	}

	return record, nil
}

// EventStore persists event records and serves the report queries.
type EventStore interface {
	WriteEvent(ctx context.Context, record *EventRecord) error
	WriteBatch(ctx context.Context, records []*EventRecord) error
	QueryEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)
	RunSummary(ctx context.Context, runID string) (*RunSummary, error)
	Close() error
}

type EventFilter struct {
	RunID string
	Kind  string
	From  time.Time
	To    time.Time
	Limit int
}

// RunSummary aggregates one run's persisted events.
type RunSummary struct {
	RunID            string
	EventCount       int64
	CountsByKind     map[string]int64
	TokensPrompt     int64
	TokensCompletion int64
	TokensTotal      int64
	FirstEvent       time.Time
	LastEvent        time.Time
}

func validateRecord(record *EventRecord) error {
	if record == nil {
		return errors.New("event record is nil")
	}
	if record.ID == "" || record.RunID == "" || record.Kind == "" {
		return fmt.Errorf("event record missing identity fields (id=%q run=%q kind=%q)", record.ID, record.RunID, record.Kind)
	}
	return nil
}
