// Package future provides small composable completion primitives used by the
// messaging and transaction layers: a single-assignment Future, continuations
// via Then, and a Compound future that reduces many sub-futures into one result.
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is the error a future completes with when it is cancelled.
var ErrCancelled = errors.New("future cancelled")

// ErrTimeout is returned by GetTimeout when the future does not complete in time.
var ErrTimeout = errors.New("future wait timed out")

// Future is a single-assignment result holder. It is safe for concurrent use.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	res       T
	err       error
	listeners []func(T, error)
	onCancel  []func()
}

// New returns an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already completed with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with v. It returns false if the future was
// already done.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(v, nil)
}

// Fail resolves the future with err. It returns false if the future was
// already done.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

// Cancel fails the future with ErrCancelled and runs the registered cancel
// hooks. It returns false if the future was already done.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	hooks := f.onCancel
	f.onCancel = nil
	f.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	var zero T
	return f.finish(zero, ErrCancelled)
}

// OnCancel registers fn to run when Cancel is called on an incomplete future.
func (f *Future[T]) OnCancel(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.onCancel = append(f.onCancel, fn)
}

func (f *Future[T]) finish(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.res = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	f.onCancel = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		l(v, err)
	}
	return true
}

// Listen registers fn to be called with the result. If the future is already
// done fn runs synchronously on the calling goroutine.
func (f *Future[T]) Listen(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.res, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Done returns a channel closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. ok is false while the future
// is still pending.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		return v, nil, false
	}
	return f.res, f.err, true
}

// Get blocks until the future completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.res, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetTimeout blocks for at most d. A non-positive d waits forever.
func (f *Future[T]) GetTimeout(d time.Duration) (T, error) {
	if d <= 0 {
		return f.Get(context.Background())
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.res, f.err
	case <-t.C:
		var zero T
		return zero, ErrTimeout
	}
}

// Then returns a future completed with fn applied to f's outcome. Cancelling
// the returned future cancels f.
func Then[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	out := New[U]()
	out.OnCancel(func() { f.Cancel() })
	f.Listen(func(v T, err error) {
		u, err2 := fn(v, err)
		if err2 != nil {
			out.Fail(err2)
			return
		}
		out.Complete(u)
	})
	return out
}

// Ignore adapts any future to a Future[struct{}] carrying only its error.
func Ignore[T any](f *Future[T]) *Future[struct{}] {
	return Then(f, func(_ T, err error) (struct{}, error) { return struct{}{}, err })
}
