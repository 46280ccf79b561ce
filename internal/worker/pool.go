// Package worker provides a bounded worker pool for packet pipeline
// stages that must run off the accept path: goroutines pull jobs from a
// shared queue, and a crashing worker is restarted rather than losing
// the whole pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrPoolStopped is returned by Submit once Shutdown has been called;
// TrySubmit reports false instead.
var ErrPoolStopped = errors.New("worker: pool is shut down")

// Job is a unit of work submitted to the pool.
type Job func(ctx context.Context)

// Pool runs Jobs across a fixed number of goroutines pulling from a
// bounded queue. The queue is never closed (only sent to under a
// read-lock that Shutdown excludes), so Submit never races a send
// against a close.
type Pool struct {
	size   int
	queue  chan Job
	logger *slog.Logger
	active prometheus.Gauge
	depth  prometheus.Gauge

	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewPool creates a Pool with size workers and a queue capacity of
// queueSize. active/depth are gauges updated as work is processed; pass
// nil to skip metrics (tests).
func NewPool(size, queueSize int, logger *slog.Logger, active, depth prometheus.Gauge) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:   size,
		queue:  make(chan Job, queueSize),
		logger: logger,
		active: active,
		depth:  depth,
		done:   make(chan struct{}),
	}
}

// Start launches the pool's workers. Call once.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		if p.worker(ctx, id) {
			return
		}
		// worker returned due to a panic: restart it rather than
		// shrinking the pool.
		p.logger.Warn("worker restarted after panic", "worker_id", id)
	}
}

// worker runs the pull loop until ctx is done or the pool is shutting
// down (returns true, normal exit), or a job panics (returns false, the
// caller restarts it).
func (p *Pool) worker(ctx context.Context, id int) (exited bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker job panicked", "worker_id", id, "panic", fmt.Sprint(r))
			exited = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-p.done:
			p.drain(ctx)
			return true
		case job := <-p.queue:
			p.runJob(ctx, job)
		}
	}
}

// drain processes any jobs left in the queue after shutdown is signaled,
// without blocking for new submissions.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case job := <-p.queue:
			p.runJob(ctx, job)
		default:
			return
		}
	}
}

func (p *Pool) runJob(ctx context.Context, job Job) {
	p.setDepth(len(p.queue))
	p.incActive()
	defer p.decActive()
	job(ctx)
}

func (p *Pool) incActive() {
	if p.active != nil {
		p.active.Inc()
	}
}

func (p *Pool) decActive() {
	if p.active != nil {
		p.active.Dec()
	}
}

func (p *Pool) setDepth(n int) {
	if p.depth != nil {
		p.depth.Set(float64(n))
	}
}

// Submit enqueues a job. It blocks if the queue is full; callers on a
// latency-sensitive path should use TrySubmit instead.
func (p *Pool) Submit(job Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	p.queue <- job
	p.setDepth(len(p.queue))
	return nil
}

// TrySubmit enqueues a job without blocking, returning false if the
// queue is full or the pool has been shut down.
func (p *Pool) TrySubmit(job Job) bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- job:
		p.setDepth(len(p.queue))
		return true
	default:
		return false
	}
}

// Shutdown stops accepting new jobs, drains whatever is left in the
// queue, and waits for all workers to finish before returning.
func (p *Pool) Shutdown(ctx context.Context) {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.closeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out before all workers drained")
	}
}
