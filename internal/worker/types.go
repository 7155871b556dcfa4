package worker

import (
	"context"
	"time"
)

// Executor is the unit of work behind one pool slot. A slot hands its
// Executor at most one request at a time, so implementations need not be
// safe for concurrent use.
type Executor[Req, Resp any] interface {
	Execute(ctx context.Context, req Req) (Resp, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// Factory builds the Executor owned by slot id. It is called exactly once
// per slot when the pool is constructed.
type Factory[Req, Resp any] func(id int) (Executor[Req, Resp], error)

// item is a submitted request together with the handle that reports its outcome.
type item[Req, Resp any] struct {
	req       Req
	result    *PendingResult[Resp]
	submitted time.Time
}

// completion is what a slot reports when its current item finishes.
type completion[Resp any] struct {
	slot     int
	resp     Resp
	err      error
	duration time.Duration
}

// Stats is a point-in-time view of the pool's slots and queue.
type Stats struct {
	Workers int // fixed slot count
	Busy    int // slots holding an item
	Idle    int // slots waiting for work
	Queued  int // items waiting for a slot
}

// Recorder receives pool events. *metrics.Collector implements it.
type Recorder interface {
	RecordDispatch(queued bool)
	RecordTaskDone(latencySeconds float64, err error)
	UpdatePoolStats(busy, queued int)
}
