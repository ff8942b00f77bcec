// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with typed result, error outcome and bounded Wait.

package helpers

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

// Future is a single-fire completion slot shared by a waiting caller
// and an asynchronous callback. Exactly one of Complete, Fail, Cancel wins,
// later calls return false and change nothing.
type Future[T any] struct {
	result    T
	err       error
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (f *Future[T]) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future[T]) Completed() <-chan struct{} { return f.completed }

func (f *Future[T]) Complete(result T) bool { return f.finish(result, nil, f.completed) }

// Fail completes future with error outcome.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err, f.completed)
}

func (f *Future[T]) Cancel(err error) bool {
	var zero T
	return f.finish(zero, err, f.cancelled)
}

func (f *Future[T]) IsDone() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.done
}

func (f *Future[T]) Result() (T, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result, f.err
}

// Wait blocks until completed, cancelled or timeout.
// On timeout future is cancelled with errors.Timeoutf(what).
// If completion raced the timer, completion result is returned.
func (f *Future[T]) Wait(timeout time.Duration, what string) (T, error) {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-f.completed:
	case <-f.cancelled:
	case <-tmr.C:
		f.Cancel(errors.Timeoutf("%s timeout=%v", what, timeout))
	}
	return f.Result()
}

func (f *Future[T]) finish(result T, err error, ch chan struct{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done {
		return false
	}

	f.result = result
	f.err = err
	close(ch)
	f.done = true
	return true
}
