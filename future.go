package livechat

import (
	"context"
	"sync"
)

// Future is the continuation of an asynchronous operation. It completes
// exactly once, with a value or an error.
type Future[T any] struct {
	exec Executor
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	val       T
	err       error
	callbacks []func(T, error)
}

// Operation is a Future that carries no value.
type Operation = Future[struct{}]

func newFuture[T any](exec Executor) *Future[T] {
	return &Future[T]{exec: exec, done: make(chan struct{})}
}

func failedFuture[T any](exec Executor, err error) *Future[T] {
	f := newFuture[T](exec)
	var zero T
	f.complete(zero, err)
	return f
}

// complete settles the future. Later calls are ignored.
func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.val, f.err = v, err
		cbs := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range cbs {
			f.post(cb, v, err)
		}
	})
}

func (f *Future[T]) post(cb func(T, error), v T, err error) {
	f.exec.Post(func() { cb(v, err) })
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Err returns the error of a completed future, or nil while pending.
func (f *Future[T]) Err() error {
	select {
	case <-f.done:
		_, err := f.Result()
		return err
	default:
		return nil
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run on the session executor once the future
// completes. Each registered fn runs exactly once.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.val, f.err
		f.mu.Unlock()
		f.post(fn, v, err)
	default:
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
	}
}

// Pending is returned by message sends. ClientSideID is known as soon as
// the optimistic entry is in place; the future completes with the message
// as it stands after the server answered.
type Pending struct {
	ClientSideID string
	*Future[*Message]
}
