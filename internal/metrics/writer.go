package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const writerBatchSize = 64

// WriteFailure describes event records that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous write failure signals.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// DropHandler is called each time a record is dropped because the
// queue is full.
type DropHandler func()

// WriterDiagnostics is a point-in-time snapshot of queue pressure and
// drop counters.
type WriterDiagnostics struct {
	QueueCapacity        int              `json:"queue_capacity"`
	QueueDepth           int              `json:"queue_depth"`
	EnqueueAcceptedTotal int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal  int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal    int64            `json:"write_dropped_total"`
	WriteFailuresByClass map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// Writer persists event records asynchronously so emission never blocks
// the operation being measured on store latency. When the queue is full
// the record is dropped and counted: losing an event is acceptable,
// stalling the agent is not.
type Writer struct {
	store EventStore
	queue chan *EventRecord
	wg    sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc

	writeFailureHandle atomic.Value // WriteFailureHandler
	dropHandle         atomic.Value // DropHandler

	enqueueAcceptedTotal atomic.Int64
	enqueueDroppedTotal  atomic.Int64
	writeDroppedTotal    atomic.Int64
	failuresByClassMu    sync.Mutex
	failuresByClass      map[string]int64
}

func NewWriter(store EventStore, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	writer := &Writer{
		store:           store,
		queue:           make(chan *EventRecord, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
	writer.writeFailureHandle.Store(noopWriteFailureHandler)
	writer.dropHandle.Store(DropHandler(func() {}))
	return writer
}

// SetWriteFailureHandler replaces the callback used for dropped write
// signals.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

// SetDropHandler replaces the callback invoked on queue-full drops.
func (w *Writer) SetDropHandler(handler DropHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = DropHandler(func() {})
	}
	w.dropHandle.Store(handler)
}

// QueueLen returns the current number of records waiting in the queue.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		// Keep the writer usable when Start is called without a live context.
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case record, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]*EventRecord, 0, writerBatchSize)
				if record != nil {
					batch = append(batch, record)
				}
			drain:
				for len(batch) < writerBatchSize {
					select {
					case <-workerCtx.Done():
						// Use a fresh context so the drain flush is not
						// rejected by the store due to context cancellation.
						w.flushBatch(context.Background(), batch)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.flushBatch(context.Background(), batch)
							return
						}
						if next != nil {
							batch = append(batch, next)
						}
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

func (w *Writer) Enqueue(record *EventRecord) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- record:
		w.enqueueAcceptedTotal.Add(1)
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		if handler, ok := w.dropHandle.Load().(DropHandler); ok && handler != nil {
			handler()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	if w == nil {
		return
	}
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if w == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))

	w.failuresByClassMu.Lock()
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failuresByClassMu.Unlock()

	handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Diagnostics returns a snapshot of queue and drop counters.
func (w *Writer) Diagnostics() WriterDiagnostics {
	if w == nil {
		return WriterDiagnostics{}
	}

	snapshot := WriterDiagnostics{
		QueueCapacity:        cap(w.queue),
		QueueDepth:           len(w.queue),
		EnqueueAcceptedTotal: w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:  w.enqueueDroppedTotal.Load(),
		WriteDroppedTotal:    w.writeDroppedTotal.Load(),
	}

	w.failuresByClassMu.Lock()
	if len(w.failuresByClass) > 0 {
		byClass := make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			byClass[class] = count
		}
		snapshot.WriteFailuresByClass = byClass
	}
	w.failuresByClassMu.Unlock()

	return snapshot
}

func (w *Writer) flushBatch(ctx context.Context, batch []*EventRecord) {
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		if err := w.store.WriteEvent(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_event",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}
	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Fall back to per-record writes so a batch-level failure does
		// not drop every event in the batch.
		failedWrites := 0
		var fallbackErr error
		for _, record := range batch {
			if recordErr := w.store.WriteEvent(ctx, record); recordErr != nil {
				failedWrites++
				if fallbackErr == nil {
					fallbackErr = recordErr
				}
			}
		}
		if failedWrites > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failedWrites,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}
