// Package future provides a single-assignment asynchronous result used for
// transport handles, send settlements and acknowledgment outcomes.
package future

import (
	"context"
	"sync"
)

// Future holds a value or an error that becomes available exactly once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an incomplete Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a Future already resolved with value.
func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

// Failed returns a Future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with value. It returns false when the future
// was already resolved.
func (f *Future[T]) Complete(value T) bool {
	return f.resolve(value, nil)
}

// Fail resolves the future with err. It returns false when the future was
// already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

// Resolve completes or fails the future depending on err.
func (f *Future[T]) Resolve(value T, err error) bool {
	return f.resolve(value, err)
}

func (f *Future[T]) resolve(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved value. It must only be called after Done is closed;
// before that it returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await blocks until the future is resolved or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once the future resolves. Callbacks run on the
// goroutine that resolves the future, or inline when it is already resolved.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// Then maps a successful result of f into a new future.
func Then[T, R any](f *Future[T], fn func(T) (R, error)) *Future[R] {
	next := New[R]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		next.Resolve(fn(v))
	})
	return next
}

// Chain resolves to the future returned by fn once f completes, whatever its outcome.
func Chain[T, R any](f *Future[T], fn func(T, error) *Future[R]) *Future[R] {
	next := New[R]()
	f.OnComplete(func(v T, err error) {
		fn(v, err).OnComplete(func(r R, rerr error) {
			next.Resolve(r, rerr)
		})
	})
	return next
}

// Void discards the value of f.
func Void[T any](f *Future[T]) *Future[struct{}] {
	return Then(f, func(T) (struct{}, error) { return struct{}{}, nil })
}

// All resolves once every future has resolved. It fails with the first error
// observed in argument order.
func All[T any](futures ...*Future[T]) *Future[[]T] {
	out := New[[]T]()
	if len(futures) == 0 {
		out.Complete(nil)
		return out
	}
	var (
		mu        sync.Mutex
		remaining = len(futures)
	)
	for _, f := range futures {
		f.OnComplete(func(T, error) {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if !last {
				return
			}
			values := make([]T, len(futures))
			for i, g := range futures {
				v, err := g.Result()
				if err != nil {
					out.Fail(err)
					return
				}
				values[i] = v
			}
			out.Complete(values)
		})
	}
	return out
}
