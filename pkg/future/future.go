// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package future provides a completable future that can be shared between
// several waiters. Completion, failure and cancellation are all "first one
// wins": later attempts are no-ops.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled is the error of a canceled future.
var ErrCanceled = errors.New("future canceled")

// Future holds a value of type T that becomes available once.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
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

// Complete sets the value. It reports whether this call completed the future.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail completes the future with err.
func (f *Future[T]) Fail(err error) bool {
	var zero T

	return f.settle(zero, err)
}

// Cancel fails the future with ErrCanceled. Canceling a completed future is a
// no-op and returns false.
func (f *Future[T]) Cancel() bool {
	return f.Fail(ErrCanceled)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()

	select {
	case <-f.done:
		f.mu.Unlock()

		return false
	default:
	}

	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}

	return true
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is settled.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCanceled reports whether the future was canceled.
func (f *Future[T]) IsCanceled() bool {
	_, err, ok := f.Peek()

	return ok && errors.Is(err, ErrCanceled)
}

// Peek returns the value without blocking; ok is false while unsettled.
func (f *Future[T]) Peek() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.IsDone() {
		return v, nil, false
	}

	return f.value, f.err, true
}

// Get waits for the future or ctx.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Peek()

		return v, err
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}

// WhenComplete registers cb to run once the future settles. If it already
// has, cb runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that settles the future.
func (f *Future[T]) WhenComplete(cb func(T, error)) {
	f.mu.Lock()

	if !f.IsDone() {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()

		return
	}

	v, err := f.value, f.err
	f.mu.Unlock()

	cb(v, err)
}
