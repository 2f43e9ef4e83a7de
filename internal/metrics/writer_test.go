package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubStore records writes in memory and can be told to fail.
type stubStore struct {
	mu         sync.Mutex
	records    []*EventRecord
	failWrites bool
	failBatch  bool
}

func (s *stubStore) WriteEvent(_ context.Context, record *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("stub write failure")
	}
	s.records = append(s.records, record)
	return nil
}

func (s *stubStore) WriteBatch(_ context.Context, records []*EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBatch || s.failWrites {
		return errors.New("stub batch failure")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *stubStore) QueryEvents(context.Context, EventFilter) ([]*EventRecord, error) {
	return nil, nil
}

func (s *stubStore) RunSummary(context.Context, string) (*RunSummary, error) {
	return nil, nil
}

func (s *stubStore) Close() error { return nil }

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testRecord(t *testing.T) *EventRecord {
	t.Helper()
	event, err := NewLLMUsage("run-writer-test", 10, 5, 0)
	if err != nil {
		t.Fatalf("NewLLMUsage returned error: %v", err)
	}
	record, err := NewRecord(event)
	if err != nil {
		t.Fatalf("NewRecord returned error: %v", err)
	}
	return record
}

func TestWriterPersistsEnqueuedRecords(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	writer := NewWriter(store, 16)
	writer.Start(context.Background())

	for i := 0; i < 5; i++ {
		if !writer.Enqueue(testRecord(t)) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}

	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if got := store.count(); got != 5 {
		t.Fatalf("store has %d records, want 5", got)
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	writer := NewWriter(store, 2)
	// Not started: the queue fills and further enqueues must drop.

	dropped := 0
	writer.SetDropHandler(func() { dropped++ })

	accepted := 0
	for i := 0; i < 5; i++ {
		if writer.Enqueue(testRecord(t)) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}
	if dropped != 3 {
		t.Fatalf("drop handler fired %d times, want 3", dropped)
	}

	diagnostics := writer.Diagnostics()
	if diagnostics.EnqueueDroppedTotal != 3 {
		t.Fatalf("EnqueueDroppedTotal = %d, want 3", diagnostics.EnqueueDroppedTotal)
	}
}

func TestWriterReportsWriteFailures(t *testing.T) {
	t.Parallel()

	store := &stubStore{failWrites: true}
	writer := NewWriter(store, 16)

	var mu sync.Mutex
	var failures []WriteFailure
	writer.SetWriteFailureHandler(func(failure WriteFailure) {
		mu.Lock()
		failures = append(failures, failure)
		mu.Unlock()
	})

	writer.Start(context.Background())
	if !writer.Enqueue(testRecord(t)) {
		t.Fatal("Enqueue rejected")
	}
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("got %d failure reports, want 1", len(failures))
	}
	if failures[0].FailedCount != 1 {
		t.Fatalf("FailedCount = %d, want 1", failures[0].FailedCount)
	}
	if failures[0].ErrorClass == "" {
		t.Fatal("failure must carry an error class")
	}
}

func TestWriterBatchFallbackSavesSurvivors(t *testing.T) {
	t.Parallel()

	store := &stubStore{failBatch: true}
	writer := NewWriter(store, 64)

	// Fill before starting so the worker drains one batch.
	for i := 0; i < 10; i++ {
		if !writer.Enqueue(testRecord(t)) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	if got := store.count(); got != 10 {
		t.Fatalf("store has %d records after fallback, want 10", got)
	}
}

func TestWriterEnqueueAfterShutdownRejected(t *testing.T) {
	t.Parallel()

	writer := NewWriter(&stubStore{}, 4)
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if writer.Enqueue(testRecord(t)) {
		t.Fatal("Enqueue after shutdown must be rejected")
	}
}

func TestWriterShutdownHonorsContext(t *testing.T) {
	t.Parallel()

	writer := NewWriter(&stubStore{}, 4)
	writer.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := writer.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}
