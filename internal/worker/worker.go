// ============================================================================
// Tilerender Worker - Slot Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One long-lived goroutine per pool slot, running that slot's Executor
//
// How it works:
//   Each Worker owns exactly one Executor and a request channel of capacity 1:
//   1. Receive the next item from its own channel (blocking wait)
//   2. Execute it with a per-task context (optional timeout)
//   3. Report the outcome back to the pool, which settles the PendingResult
//      and either hands over the next queued item or marks the slot idle
//   4. Repeat until the channel is closed by Pool.Stop
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Worker Goroutine (slot i)           │
//   │  ┌───────────────────────────────┐   │
//   │  │ for it := range requests      │   │
//   │  │   ├─ context (timeout)        │   │
//   │  │   ├─ exec.Execute(ctx, req)   │   │
//   │  │   └─ report(completion)       │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Failure Isolation:
//   - Errors returned by the Executor are reported as-is
//   - A panic inside the Executor is recovered and reported as ErrWorkerPanic
//   - Either way the slot stays alive and can serve the next item
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker runs one slot's Executor on its own goroutine.
type Worker[Req, Resp any] struct {
	id       int                    // slot index, used for logging and reporting
	exec     Executor[Req, Resp]    // owned exclusively by this worker
	requests chan *item[Req, Resp]  // capacity 1: a slot never holds two items
	report   func(completion[Resp]) // called once per finished item
	timeout  time.Duration          // per-task timeout, 0 means none
}

// newWorker creates a Worker for slot id
func newWorker[Req, Resp any](id int, exec Executor[Req, Resp], timeout time.Duration, report func(completion[Resp])) *Worker[Req, Resp] {
	return &Worker[Req, Resp]{
		id:       id,
		exec:     exec,
		requests: make(chan *item[Req, Resp], 1),
		report:   report,
		timeout:  timeout,
	}
}

// Run is the main loop of the Worker. It returns when the request channel is closed.
func (w *Worker[Req, Resp]) Run() {
	for it := range w.requests {
		start := time.Now()
		resp, err := w.execute(it.req)

		w.report(completion[Resp]{
			slot:     w.id,
			resp:     resp,
			err:      err,
			duration: time.Since(start),
		})
	}
}

// execute runs one request, converting a panic into an error
func (w *Worker[Req, Resp]) execute(req Req) (resp Resp, err error) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			var zero Resp
			resp = zero
			err = fmt.Errorf("%w: slot %d: %v", ErrWorkerPanic, w.id, r)
		}
	}()

	resp, err = w.exec.Execute(ctx, req)
	if err == nil && ctx.Err() != nil {
		// The executor ignored its context; the deadline still applies.
		var zero Resp
		return zero, ctx.Err()
	}
	return resp, err
}
