// Package mailbox provides the Future the client façade is built on:
// a single-resolution promise that turns an async, callback-style call
// into a blocking one without the caller blocking on its own stack
// frame (so a pending call safely outlives an early return from
// whichever goroutine issued it).
package mailbox

import "context"

// Future lets an async call be awaited synchronously: the issuer
// calls Wait while the completion path (which may run on any
// goroutine, including synchronously within the call that created the
// Future) calls Resolve exactly once.
type Future[R any] struct {
	done chan futureResult[R]
}

type futureResult[R any] struct {
	value R
	err   error
}

func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan futureResult[R], 1)}
}

// Resolve completes the future. Safe to call from any goroutine,
// exactly once.
func (f *Future[R]) Resolve(value R, err error) {
	f.done <- futureResult[R]{value: value, err: err}
}

// Wait blocks until Resolve is called or ctx is done.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	case r := <-f.done:
		return r.value, r.err
	}
}
