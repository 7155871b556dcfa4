// ============================================================================
// Tilerender Worker Pool - Bounded Slot Dispatcher
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Fixed set of N worker slots plus a FIFO queue for overflow work
//
// Design:
//   ┌─────────────┐
//   │ Coordinator │ --Submit(req)--> *PendingResult
//   └─────────────┘
//         │
//   ┌─────▼───────────────────────────────┐
//   │ Pool                                │
//   │  idle:  [3, 0]       (LIFO stack)   │
//   │  slots: [busy, busy, busy, idle...] │
//   │  queue: [item, item, ...] (FIFO)    │
//   └─────────────────────────────────────┘
//
// Dispatch:
//   1. Submit picks the most recently idle slot, marks it busy and hands it the item
//   2. With no idle slot the item is appended to the queue and its
//      PendingResult is returned unresolved
//   3. When a slot finishes, the pool settles that slot's PendingResult, then
//      either moves the queue head into the same slot or marks the slot idle
//
// Invariants (all under mu):
//   - len(queue) > 0 implies len(idle) == 0
//   - a slot holds at most one item
//   - busy + idle == N for the lifetime of the pool
//
// Shutdown:
//   Stop() rejects queued items with ErrPoolClosed, lets in-flight items
//   finish, then closes every worker's channel and waits for the goroutines.
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrPoolClosed is returned for items submitted after, or still queued at, Stop
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrWorkerPanic wraps a panic recovered from an Executor
	ErrWorkerPanic = errors.New("worker panicked")
	// ErrNoWorkers is returned when a pool is built with fewer than one slot
	ErrNoWorkers = errors.New("worker pool needs at least one worker")
)

// ============================================================================
// Data Structures
// ============================================================================

// slot is the pool's bookkeeping for one worker's current assignment.
// current == nil means the slot is idle.
type slot[Req, Resp any] struct {
	worker  *Worker[Req, Resp]
	current *item[Req, Resp]
}

// Pool dispatches submitted items to a fixed number of workers.
type Pool[Req, Resp any] struct {
	mu      sync.Mutex
	slots   []*slot[Req, Resp]
	idle    []int              // idle slot indices, most recently freed last
	queue   []*item[Req, Resp] // waiting items, oldest first
	stopped bool
	wg      sync.WaitGroup

	timeout  time.Duration
	log      *slog.Logger
	recorder Recorder
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	timeout  time.Duration
	log      *slog.Logger
	recorder Recorder
}

// WithTaskTimeout bounds the context handed to each Execute call.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithRecorder reports dispatch and completion events, typically to metrics.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// ============================================================================
// Core Methods
// ============================================================================

// NewPool builds n slots, one Executor per slot from factory, and starts
// their goroutines. If the factory fails the already started workers are
// stopped and the error is returned.
func NewPool[Req, Resp any](n int, factory Factory[Req, Resp], opts ...Option) (*Pool[Req, Resp], error) {
	if n < 1 {
		return nil, ErrNoWorkers
	}

	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[Req, Resp]{
		slots:    make([]*slot[Req, Resp], 0, n),
		idle:     make([]int, 0, n),
		timeout:  o.timeout,
		log:      o.log,
		recorder: o.recorder,
	}

	for i := 0; i < n; i++ {
		exec, err := factory(i)
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("failed to create worker %d: %w", i, err)
		}

		w := newWorker(i, exec, p.timeout, p.complete)
		p.slots = append(p.slots, &slot[Req, Resp]{worker: w})
		p.idle = append(p.idle, i)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}

	p.log.Debug("Worker pool started", "workers", n, "task_timeout", p.timeout)
	return p, nil
}

// Submit hands req to an idle slot, or queues it when every slot is busy.
// It never blocks and never fails for lack of capacity; the outcome arrives
// through the returned PendingResult.
func (p *Pool[Req, Resp]) Submit(req Req) *PendingResult[Resp] {
	it := &item[Req, Resp]{
		req:       req,
		result:    newPendingResult[Resp](),
		submitted: time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return rejected[Resp](ErrPoolClosed)
	}

	if n := len(p.idle); n > 0 {
		id := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.assign(id, it)
		p.record(false)
	} else {
		p.queue = append(p.queue, it)
		p.record(true)
	}

	return it.result
}

// assign gives it to slot id. The worker's channel is empty because the
// slot was idle (or has just reported), so the send never blocks.
// Caller must hold mu.
func (p *Pool[Req, Resp]) assign(id int, it *item[Req, Resp]) {
	s := p.slots[id]
	s.current = it
	s.worker.requests <- it
}

// complete is called by a worker goroutine when its current item finishes.
func (p *Pool[Req, Resp]) complete(c completion[Resp]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slots[c.slot]
	it := s.current
	s.current = nil

	if c.err != nil {
		p.log.Debug("Worker task failed", "slot", c.slot, "duration", c.duration, "error", c.err)
	}
	if p.recorder != nil {
		p.recorder.RecordTaskDone(time.Since(it.submitted).Seconds(), c.err)
	}
	it.result.resolve(c.resp, c.err)

	if len(p.queue) > 0 && !p.stopped {
		next := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.assign(c.slot, next)
	} else {
		p.idle = append(p.idle, c.slot)
	}
	p.updateStats()
}

// Stop rejects queued items, waits for in-flight items to finish and
// terminates all workers. It is safe to call more than once.
func (p *Pool[Req, Resp]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true

	queued := p.queue
	p.queue = nil
	for _, s := range p.slots {
		close(s.worker.requests)
	}
	p.mu.Unlock()

	var zero Resp
	for _, it := range queued {
		it.result.resolve(zero, ErrPoolClosed)
	}

	p.wg.Wait()
	p.log.Debug("Worker pool stopped", "rejected", len(queued))
}

// Stats returns the current slot and queue counts.
func (p *Pool[Req, Resp]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool[Req, Resp]) statsLocked() Stats {
	return Stats{
		Workers: len(p.slots),
		Busy:    len(p.slots) - len(p.idle),
		Idle:    len(p.idle),
		Queued:  len(p.queue),
	}
}

// Workers returns the fixed number of slots.
func (p *Pool[Req, Resp]) Workers() int {
	return len(p.slots)
}

// record and updateStats forward to the recorder. Caller must hold mu.
func (p *Pool[Req, Resp]) record(queued bool) {
	if p.recorder == nil {
		return
	}
	p.recorder.RecordDispatch(queued)
	p.updateStats()
}

func (p *Pool[Req, Resp]) updateStats() {
	if p.recorder == nil {
		return
	}
	st := p.statsLocked()
	p.recorder.UpdatePoolStats(st.Busy, st.Queued)
}
