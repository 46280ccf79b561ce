package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BatchPostError carries per-transfer diagnostics from a partially
// failed PostTransfers call. Errors[i] is nil for transfers that
// succeeded.
type BatchPostError struct {
	Errors []error
}

func (e *BatchPostError) Error() string {
	n := 0
	for _, err := range e.Errors {
		if err != nil {
			n++
		}
	}
	return fmt.Sprintf("ledger: batch post failed for %d of %d transfers", n, len(e.Errors))
}

// BatchWriter accumulates Transfers and flushes them to a Store either
// when the batch reaches size items, or flushInterval elapses since the
// first item in the current batch — whichever comes first. Flushes are
// single-flight: only one flush runs at a time, and a flush in progress
// is allowed to finish before the next one starts.
type BatchWriter struct {
	store         Store
	size          int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending []*Transfer
	timer   *time.Timer
	flushMu sync.Mutex // held for the duration of an in-flight flush

	closed chan struct{}
	once   sync.Once
}

// NewBatchWriter creates a BatchWriter that flushes every size transfers
// or flushInterval, whichever comes first.
func NewBatchWriter(store Store, size int, flushInterval time.Duration, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		store:         store,
		size:          size,
		flushInterval: flushInterval,
		logger:        logger,
		closed:        make(chan struct{}),
	}
}

// Enqueue adds a transfer to the pending batch, triggering an
// immediate flush if the batch has reached its size threshold.
func (w *BatchWriter) Enqueue(t *Transfer) {
	w.mu.Lock()
	w.pending = append(w.pending, t)
	shouldFlush := len(w.pending) >= w.size
	if len(w.pending) == 1 && !shouldFlush {
		w.timer = time.AfterFunc(w.flushInterval, func() { w.Flush(context.Background()) })
	}
	w.mu.Unlock()

	if shouldFlush {
		w.Flush(context.Background())
	}
}

// Flush posts the current pending batch, if any. Failed transfers (per
// BatchPostError diagnostics, where available) are re-queued at the
// front of the next batch so no transfer is silently dropped.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := w.store.PostTransfers(ctx, batch)
	if err == nil {
		return nil
	}

	var failed []*Transfer
	if bpe, ok := err.(*BatchPostError); ok && len(bpe.Errors) == len(batch) {
		for i, itemErr := range bpe.Errors {
			if itemErr != nil {
				failed = append(failed, batch[i])
				w.logger.Error("transfer post failed, re-queuing", "transfer_id", batch[i].ID, "error", itemErr)
			}
		}
	} else {
		// Store couldn't diagnose which items failed; re-queue the whole batch.
		failed = batch
		w.logger.Error("batch post failed, re-queuing entire batch", "count", len(batch), "error", err)
	}

	if len(failed) > 0 {
		w.mu.Lock()
		w.pending = append(failed, w.pending...)
		w.mu.Unlock()
	}
	return err
}

// Close flushes any pending transfers and stops the batch writer.
func (w *BatchWriter) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.Flush(ctx)
	})
	return err
}
