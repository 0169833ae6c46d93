// Copyright 2025 samber.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://github.com/samber/ro/blob/main/licenses/LICENSE.apache.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package taskcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/samber/lo"
)

// Observer is the consumer side of a Subscription: the callback pair a
// caller supplies to Cache.Execute / Cache.ExecuteIfNot to learn the outcome
// of a key's producer. Exactly one of OnSuccess or OnError is ever delivered,
// at most once, to a given Observer.
//
// Implementations are free to block; the Cache never calls an Observer while
// its own lock is held (see doc.go).
type Observer[V any] interface {
	// OnSuccess receives the produced value. Called at most once.
	OnSuccess(value V)
	OnSuccessWithContext(ctx context.Context, value V)
	// OnError receives the failure (which may be a *CancelledError). Called
	// at most once, and never after OnSuccess.
	OnError(err error)
	OnErrorWithContext(ctx context.Context, err error)

	// IsClosed reports whether this Observer has already received its
	// terminal outcome.
	IsClosed() bool
	// HasErrored reports whether the terminal outcome was an error.
	HasErrored() bool
	// HasSucceeded reports whether the terminal outcome was a success.
	HasSucceeded() bool
}

var _ Observer[int] = (*observerImpl[int])(nil)

// NewObserver creates an Observer from the given callbacks. Panics raised by
// onSuccess/onError are captured and reported via OnUnhandledError instead of
// crashing the calling goroutine.
func NewObserver[V any](onSuccess func(value V), onError func(err error)) Observer[V] {
	return &observerImpl[V]{
		onSuccess: func(ctx context.Context, value V) { onSuccess(value) },
		onError:   func(ctx context.Context, err error) { onError(err) },
	}
}

// NewObserverWithContext creates an Observer from context-aware callbacks.
func NewObserverWithContext[V any](onSuccess func(ctx context.Context, value V), onError func(ctx context.Context, err error)) Observer[V] {
	return &observerImpl[V]{
		onSuccess: onSuccess,
		onError:   onError,
	}
}

type observerImpl[V any] struct {
	// 0: pending, 1: succeeded, 2: errored
	status    int32
	onSuccess func(context.Context, V)
	onError   func(context.Context, error)
}

func (o *observerImpl[V]) OnSuccess(value V) {
	o.OnSuccessWithContext(context.Background(), value)
}

func (o *observerImpl[V]) OnSuccessWithContext(ctx context.Context, value V) {
	if o.onSuccess == nil || !atomic.CompareAndSwapInt32(&o.status, 0, 1) {
		OnDroppedNotification(ctx, NewNotificationSuccess(value))
		return
	}

	o.trySuccess(ctx, value)
}

func (o *observerImpl[V]) OnError(err error) {
	o.OnErrorWithContext(context.Background(), err)
}

func (o *observerImpl[V]) OnErrorWithContext(ctx context.Context, err error) {
	if o.onError == nil || !atomic.CompareAndSwapInt32(&o.status, 0, 2) {
		OnDroppedNotification(ctx, NewNotificationError[V](err))
		return
	}

	o.tryError(ctx, err)
}

func (o *observerImpl[V]) trySuccess(ctx context.Context, value V) {
	lo.TryCatchWithErrorValue(
		func() error {
			o.onSuccess(ctx, value)
			return nil
		},
		func(e any) {
			OnUnhandledError(ctx, newObserverError(recoverValueToError(e)))
		},
	)
}

func (o *observerImpl[V]) tryError(ctx context.Context, err error) {
	lo.TryCatchWithErrorValue(
		func() error {
			o.onError(ctx, err)
			return nil
		},
		func(e any) {
			OnUnhandledError(ctx, newObserverError(recoverValueToError(e)))
		},
	)
}

func (o *observerImpl[V]) IsClosed() bool {
	return atomic.LoadInt32(&o.status) != 0
}

func (o *observerImpl[V]) HasErrored() bool {
	return atomic.LoadInt32(&o.status) == 2
}

func (o *observerImpl[V]) HasSucceeded() bool {
	return atomic.LoadInt32(&o.status) == 1
}

/*********************
 * Partial Observers *
 *********************/

// OnSuccessFunc is a partial Observer that only reacts to success; errors
// are silently dropped.
func OnSuccessFunc[V any](onSuccess func(value V)) Observer[V] {
	return NewObserver(onSuccess, func(err error) {})
}

// OnErrorFunc is a partial Observer that only reacts to error; successes
// are silently dropped.
func OnErrorFunc[V any](onError func(err error)) Observer[V] {
	return NewObserver(func(value V) {}, onError)
}

// NoopObserver discards both outcomes. Useful for fire-and-forget
// Cache.Execute calls that only care about deduplication, not the result.
func NoopObserver[V any]() Observer[V] {
	return NewObserver(func(value V) {}, func(err error) {})
}

// observerError wraps a panic recovered from an Observer callback.
type observerError struct {
	cause error
}

func newObserverError(cause error) error {
	return &observerError{cause: cause}
}

func (e *observerError) Error() string {
	return fmt.Sprintf("taskcache: observer callback panicked: %s", e.cause.Error())
}

func (e *observerError) Unwrap() error {
	return e.cause
}

func recoverValueToError(e any) error {
	if err, ok := e.(error); ok {
		return err
	}
	return fmt.Errorf("%v", e)
}
