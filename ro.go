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
	"log"
	"sync/atomic"
)

var (
	// onUnhandledError stores the current handler for errors that have no
	// remaining observer to deliver to (a panicking producer whose Execution
	// lost its last subscriber mid-flight, for instance). It is accessed via
	// atomic.Value to allow concurrent readers and writers without data races.
	onUnhandledError atomic.Value // func(context.Context, error)

	// onDroppedNotification stores the current handler for notifications that
	// arrive after their Observer already received a terminal outcome (a
	// producer that calls onSuccess/onError more than once, in breach of its
	// contract).
	onDroppedNotification atomic.Value // func(context.Context, fmt.Stringer)
)

func init() {
	onUnhandledError.Store(IgnoreOnUnhandledError)
	onDroppedNotification.Store(IgnoreOnDroppedNotification)
}

// SetOnUnhandledError sets the handler invoked when an error has no
// remaining observer to deliver to. Passing nil restores the default (ignore).
func SetOnUnhandledError(fn func(ctx context.Context, err error)) {
	if fn == nil {
		fn = IgnoreOnUnhandledError
	}
	onUnhandledError.Store(fn)
}

// GetOnUnhandledError returns the currently configured unhandled-error handler.
func GetOnUnhandledError() func(ctx context.Context, err error) {
	return onUnhandledError.Load().(func(context.Context, error))
}

// OnUnhandledError calls the currently configured unhandled-error handler.
func OnUnhandledError(ctx context.Context, err error) {
	GetOnUnhandledError()(ctx, err)
}

// SetOnDroppedNotification sets the handler invoked when a notification is
// dropped because its Observer already received a terminal outcome. Passing
// nil restores the default (ignore).
func SetOnDroppedNotification(fn func(ctx context.Context, notification fmt.Stringer)) {
	if fn == nil {
		fn = IgnoreOnDroppedNotification
	}
	onDroppedNotification.Store(fn)
}

// GetOnDroppedNotification returns the currently configured dropped-notification handler.
func GetOnDroppedNotification() func(ctx context.Context, notification fmt.Stringer) {
	return onDroppedNotification.Load().(func(context.Context, fmt.Stringer))
}

// OnDroppedNotification calls the currently configured dropped-notification handler.
func OnDroppedNotification(ctx context.Context, notification fmt.Stringer) {
	GetOnDroppedNotification()(ctx, notification)
}

// IgnoreOnUnhandledError is the default implementation of `OnUnhandledError`.
func IgnoreOnUnhandledError(ctx context.Context, err error) {}

// IgnoreOnDroppedNotification is the default implementation of `OnDroppedNotification`.
func IgnoreOnDroppedNotification(ctx context.Context, notification fmt.Stringer) {}

// DefaultOnUnhandledError logs the error. Opt in with SetOnUnhandledError(DefaultOnUnhandledError).
func DefaultOnUnhandledError(ctx context.Context, err error) {
	if err != nil {
		// bearer:disable go_lang_logger_leak
		log.Printf("taskcache: unhandled error: %s\n", err.Error())
	}
}

var _ fmt.Stringer = (*Notification[int])(nil) // see below

// DefaultOnDroppedNotification logs the dropped notification. Opt in with
// SetOnDroppedNotification(DefaultOnDroppedNotification).
//
// Since we cannot assign a generic callback to `OnDroppedNotification`,
// we had to use a `fmt.Stringer` instead of a `Notification[T any]`.
func DefaultOnDroppedNotification(ctx context.Context, notification fmt.Stringer) {
	// bearer:disable go_lang_logger_leak
	log.Printf("taskcache: dropped notification: %s\n", notification.String())
}

// Kind represents the terminal outcome of a producer invocation.
type Kind uint8

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "Success"
	case KindError:
		return "Error"
	}

	panic("taskcache: invalid Kind")
}

// Kind constants. A producer resolves to exactly one of these.
const (
	KindSuccess Kind = iota
	KindError
)

// Notification is the terminal outcome broadcast from an execution to its
// observers: either a produced value, or an error (which may be a
// *CancelledError).
type Notification[V any] struct {
	Kind  Kind
	Value V
	Err   error
}

func (n Notification[V]) String() string {
	switch n.Kind {
	case KindSuccess:
		return fmt.Sprintf("Success(%+v)", n.Value)
	case KindError:
		if n.Err == nil {
			return "Error(nil)"
		}

		return fmt.Sprintf("Error(%s)", n.Err.Error())
	}

	panic("taskcache: invalid Kind")
}

// NewNotificationSuccess creates a Notification carrying a produced value.
func NewNotificationSuccess[V any](value V) Notification[V] {
	return Notification[V]{
		Kind:  KindSuccess,
		Value: value,
	}
}

// NewNotificationError creates a Notification carrying an error.
func NewNotificationError[V any](err error) Notification[V] {
	return Notification[V]{
		Kind: KindError,
		Err:  err,
	}
}

func processNotificationWithObserver[V any](ctx context.Context, n Notification[V], destination Observer[V]) {
	switch n.Kind {
	case KindSuccess:
		destination.OnSuccessWithContext(ctx, n.Value)
	case KindError:
		destination.OnErrorWithContext(ctx, n.Err)
	default:
		panic("taskcache: invalid Kind")
	}
}
