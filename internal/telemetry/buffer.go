// Package telemetry buffers and emits fire-and-forget observability
// events over a reconnecting websocket to an external collector.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is a single telemetry observation. Type identifies the event
// kind ("PACKET_SENT", "ROUTE_LOOKUP", "LOG", ...); Data carries its
// payload, already shaped for the wire (bigints pre-stringified).
type Event struct {
	Type      string
	NodeID    string
	Timestamp time.Time
	Data      map[string]any
}

// FlushFunc delivers a batch of events to the wire. It returns an error
// if none of the batch was accepted; Buffer re-queues the whole batch
// in that case, matching BatchWriter's no-partial-diagnostics fallback.
type FlushFunc func(ctx context.Context, events []Event) error

// Buffer accumulates Events and flushes them either when the batch
// reaches size items, or flushInterval elapses since the first item in
// the current batch — whichever comes first. Flushes are single-flight:
// only one flush runs at a time, and a flush in progress is allowed to
// finish before the next one starts. This mirrors ledger.BatchWriter's
// contract exactly, with an opaque flush function standing in for the
// ledger store so the emitter can choose the wire shape.
type Buffer struct {
	flush         FlushFunc
	size          int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
	flushMu sync.Mutex

	once sync.Once
}

// NewBuffer creates a Buffer that flushes every size events or
// flushInterval, whichever comes first.
func NewBuffer(flush FlushFunc, size int, flushInterval time.Duration, logger *slog.Logger) *Buffer {
	return &Buffer{
		flush:         flush,
		size:          size,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// Enqueue adds an event to the pending batch, triggering an immediate
// flush if the batch has reached its size threshold.
func (b *Buffer) Enqueue(e Event) {
	b.mu.Lock()
	b.pending = append(b.pending, e)
	shouldFlush := len(b.pending) >= b.size
	if len(b.pending) == 1 && !shouldFlush {
		b.timer = time.AfterFunc(b.flushInterval, func() { b.Flush(context.Background()) })
	}
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(context.Background())
	}
}

// Flush delivers the current pending batch, if any. On failure the
// whole batch is re-queued at the front of the next batch so no event
// is silently dropped.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := b.flush(ctx, batch); err != nil {
		b.logger.Error("telemetry batch flush failed, re-queuing", "count", len(batch), "error", err)
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Close flushes any pending events. Safe to call more than once.
func (b *Buffer) Close(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		err = b.Flush(ctx)
	})
	return err
}

// Len reports the number of events currently pending, for tests and
// diagnostics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
