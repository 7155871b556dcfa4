package worker

import (
	"context"
	"sync"
)

// PendingResult is the single-resolution handle for one submitted item.
//
// It is resolved exactly once, either with a value or with an error, and any
// number of goroutines may wait on it.
type PendingResult[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newPendingResult[T any]() *PendingResult[T] {
	return &PendingResult[T]{done: make(chan struct{})}
}

// rejected returns a handle that has already failed with err.
func rejected[T any](err error) *PendingResult[T] {
	p := newPendingResult[T]()
	var zero T
	p.resolve(zero, err)
	return p
}

// resolve settles the handle. Only the first call has any effect; it
// reports whether this call was the one that settled it.
func (p *PendingResult[T]) resolve(value T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		settled = true
		close(p.done)
	})
	return settled
}

// Done is closed once the result is available.
func (p *PendingResult[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx is done. A ctx error
// does not affect the item itself, which keeps running to completion.
func (p *PendingResult[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved reports whether the result is available.
func (p *PendingResult[T]) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
