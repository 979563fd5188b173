package future

import (
	"errors"
	"sync"
)

// Canceler is the cancellation surface shared by futures of any result type.
type Canceler interface {
	Cancel() bool
}

// ForwardCancel links cancellation of a derived future back to the futures
// it was derived from: if from settles by cancellation, every to is canceled.
// The reverse direction is not linked.
func ForwardCancel[T any](from *Future[T], to ...Canceler) {
	from.OnSettle(func(_ T, err error) {
		if !errors.Is(err, ErrCanceled) {
			return
		}
		for _, c := range to {
			if c != nil {
				c.Cancel()
			}
		}
	})
}

// Then derives a future that applies fn to the result of f.
// Errors and cancellation of f propagate unchanged; an error from fn fails
// the derived future. Canceling the derived future cancels f.
func Then[A, B any](f *Future[A], fn func(A) (B, error)) *Future[B] {
	res := New[B]()
	f.OnSettle(func(v A, err error) {
		if err != nil {
			res.Fail(err)
			return
		}
		b, err := fn(v)
		if err != nil {
			res.Fail(err)
			return
		}
		res.Complete(b)
	})
	ForwardCancel(res, f)
	return res
}

// Compose derives a future from the future returned by fn, flattening one
// level of nesting. Canceling the derived future cancels f and, once it
// exists, the inner future produced by fn. A nil inner future settles the
// result with the zero value.
func Compose[A, B any](f *Future[A], fn func(A) *Future[B]) *Future[B] {
	res := New[B]()
	f.OnSettle(func(v A, err error) {
		if err != nil {
			res.Fail(err)
			return
		}
		inner := fn(v)
		if inner == nil {
			var zero B
			res.Complete(zero)
			return
		}
		inner.OnSettle(func(b B, err error) {
			if err != nil {
				res.Fail(err)
				return
			}
			res.Complete(b)
		})
		// If res was already canceled this fires immediately and cancels
		// the late-created inner future as well.
		ForwardCancel(res, inner)
	})
	ForwardCancel(res, f)
	return res
}

// Combine derives a future that applies fn to the results of a and b once
// both have settled. Both sources are observed independently, so a failure
// of either settles the derived future as soon as it is known, without
// waiting on the other. Canceling the derived future cancels both a and b.
func Combine[A, B, C any](a *Future[A], b *Future[B], fn func(A, B) C) *Future[C] {
	res := New[C]()

	var mu sync.Mutex
	var av A
	var bv B
	var haveA, haveB bool

	a.OnSettle(func(v A, err error) {
		if err != nil {
			res.Fail(err)
			return
		}
		mu.Lock()
		av, haveA = v, true
		ready := haveB
		other := bv
		mu.Unlock()
		if ready {
			res.Complete(fn(v, other))
		}
	})
	b.OnSettle(func(v B, err error) {
		if err != nil {
			res.Fail(err)
			return
		}
		mu.Lock()
		bv, haveB = v, true
		ready := haveA
		other := av
		mu.Unlock()
		if ready {
			res.Complete(fn(other, v))
		}
	})
	ForwardCancel(res, a, b)
	return res
}
