package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedJobs(t *testing.T) {
	p := NewPool(2, 10, slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var count int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(ctx context.Context) { atomic.AddInt32(&count, 1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&count) < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&count) != 5 {
		t.Fatalf("expected 5 jobs run, got %d", count)
	}
}

func TestPool_RestartsAfterPanic(t *testing.T) {
	p := NewPool(1, 10, slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	_ = p.Submit(func(ctx context.Context) { panic("boom") })

	var ran int32
	_ = p.Submit(func(ctx context.Context) { atomic.StoreInt32(&ran, 1) })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&ran) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected worker to keep processing jobs after a panic")
	}
}

func TestPool_TrySubmitFailsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1, slog.Default(), nil, nil) // never Started, so nothing drains the queue
	block := make(chan struct{})
	_ = p.TrySubmit(func(ctx context.Context) { <-block })

	if p.TrySubmit(func(ctx context.Context) {}) {
		close(block)
		t.Fatal("expected TrySubmit to fail when queue is full and unstarted")
	}
	close(block)
}

func TestPool_ShutdownDrainsQueueAndRejectsNewWork(t *testing.T) {
	p := NewPool(2, 10, slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var count int32
	for i := 0; i < 3; i++ {
		_ = p.Submit(func(ctx context.Context) { atomic.AddInt32(&count, 1) })
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	p.Shutdown(shutdownCtx)

	if atomic.LoadInt32(&count) != 3 {
		t.Fatalf("expected all 3 jobs drained before shutdown returned, got %d", count)
	}

	if err := p.Submit(func(ctx context.Context) {}); err != ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped after shutdown, got %v", err)
	}
}
