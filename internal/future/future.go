// Package future provides a single-assignment, observable asynchronous
// result container and the combinators used to compose chains of them.
//
// A Future settles exactly once: with a value, with an error, or by
// cancellation. Continuations attached with OnSettle fire when the future
// settles (immediately, if it already has). Cancellation is modeled as
// settling with ErrCanceled and is treated as control flow, not a
// reportable failure.
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Standard errors returned by futures.
var (
	// ErrCanceled indicates the future was canceled before producing a value.
	ErrCanceled = errors.New("future canceled")

	// ErrTimeout indicates an AwaitTimeout elapsed before the future settled.
	ErrTimeout = errors.New("future await timed out")
)

// Future is a single-assignment asynchronous result.
// The zero value is not usable; create futures with New, Completed or Failed.
type Future[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	val     T
	err     error
	cbs     []func(T, error)
}

// New creates an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed creates a future already settled with the given value.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed creates a future already settled with the given error.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete settles the future with a value.
// Returns false if the future had already settled.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail settles the future with an error.
// Returns false if the future had already settled.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("future failed with nil error")
	}
	var zero T
	return f.settle(zero, err)
}

// Cancel settles the future with ErrCanceled.
// Returns false if the future had already settled.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.settle(zero, ErrCanceled)
}

// settle records the outcome and runs pending continuations.
// Continuations run on the settling goroutine, outside the lock.
func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val = v
	f.err = err
	cbs := f.cbs
	f.cbs = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done returns a channel that is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone returns true once the future has settled.
func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Canceled returns true if the future settled by cancellation.
func (f *Future[T]) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled && errors.Is(f.err, ErrCanceled)
}

// Result returns the settled value and error.
// It must only be called after the future has settled; calling it earlier
// returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Await blocks until the future settles or the context is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout blocks until the future settles or the duration elapses,
// in which case it returns ErrTimeout.
func (f *Future[T]) AwaitTimeout(d time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.Result()
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// OnSettle attaches a continuation that runs when the future settles.
// If the future has already settled the continuation runs immediately on
// the calling goroutine.
func (f *Future[T]) OnSettle(cb func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.cbs = append(f.cbs, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.val, f.err
	f.mu.Unlock()
	cb(v, err)
}
