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
	"errors"
	"sync"

	"github.com/samber/lo"
)

// Teardown is a finalizer run when a Subscription is disposed. For a
// Subscription returned by Cache.Execute, the teardown removes the caller's
// observer slot from its execution and, if that was the last slot, cancels
// the producer (see the doc comment on Cache.Execute).
type Teardown func()

// Unsubscribable is any type that can be unsubscribed from.
type Unsubscribable interface {
	Unsubscribe()
}

// Subscription represents a caller's interest in the outcome of a single
// Cache.Execute / Cache.ExecuteIfNot call. It is a single-shot cancel token: Unsubscribe is idempotent and, other than
// that idempotence, has no effect once the underlying execution has already
// terminated.
type Subscription interface {
	Unsubscribable

	// Add registers an additional teardown to run on Unsubscribe. If the
	// Subscription is already disposed, teardown runs immediately.
	Add(teardown Teardown)
	// IsClosed reports whether Unsubscribe has already run.
	IsClosed() bool
	// Wait blocks until the Subscription is disposed. Rarely useful outside
	// tests; prefer observing the outcome through the Observer passed to
	// Cache.Execute.
	Wait()
}

type subscriptionImpl struct {
	mu         sync.Mutex
	done       bool
	finalizers []Teardown
}

var _ Subscription = (*subscriptionImpl)(nil)

// NewSubscription creates a Subscription. When teardown is nil, nothing is
// added. When teardown is provided, it runs on the first Unsubscribe call.
func NewSubscription(teardown Teardown) Subscription {
	s := &subscriptionImpl{
		finalizers: []Teardown{},
	}
	if teardown != nil {
		s.finalizers = append(s.finalizers, teardown)
	}

	return s
}

// Add registers a finalizer to execute upon unsubscription. When teardown is
// nil, nothing is added. When the subscription is already disposed, the
// teardown callback is triggered immediately.
//
// This method is thread-safe.
func (s *subscriptionImpl) Add(teardown Teardown) {
	if teardown == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		_ = execFinalizer(teardown)
		return
	}

	s.finalizers = append(s.finalizers, teardown)
}

// Unsubscribe disposes the resources held by the subscription: for a
// Cache.Execute subscription, this removes the caller from the execution's
// observer list and, if no observers remain, cancels the producer.
//
// This method is thread-safe. Finalizers run in registration order.
func (s *subscriptionImpl) Unsubscribe() {
	s.mu.Lock()

	if s.done {
		s.mu.Unlock()
		return
	}

	s.done = true
	finals := s.finalizers
	s.finalizers = nil
	s.mu.Unlock()

	var errs []error
	for _, f := range finals {
		if err := execFinalizer(f); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		panic(errors.Join(errs...))
	}
}

// IsClosed returns true if the subscription has been disposed.
func (s *subscriptionImpl) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done
}

// Wait blocks until a Subscription is disposed.
//
// There is no guarantee that this callback will be the last finalizer added
// to this subscription.
func (s *subscriptionImpl) Wait() {
	ch := make(chan struct{}, 1)

	s.Add(func() {
		ch <- struct{}{}
	})

	<-ch
	close(ch)
}

// execFinalizer runs the finalizer and converts any panic into an error, so
// that one panicking finalizer does not stop the others from running.
// Unsubscribe panics with the collected errors once every finalizer has run;
// Add discards the error.
func execFinalizer(finalizer func()) (err error) {
	lo.TryCatchWithErrorValue(
		func() error {
			finalizer()
			return nil
		},
		func(e any) {
			err = newUnsubscriptionError(recoverValueToError(e))
		},
	)

	return err
}

type unsubscriptionError struct {
	cause error
}

func newUnsubscriptionError(cause error) error {
	return &unsubscriptionError{cause: cause}
}

func (e *unsubscriptionError) Error() string {
	return "taskcache: teardown panicked: " + e.cause.Error()
}

func (e *unsubscriptionError) Unwrap() error {
	return e.cause
}
