package taskcache

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/exp/maps"
)

type cacheState int32

const (
	stateActive cacheState = iota
	statePendingShutdown
	stateShutdown
)

// Option configures a Cache at construction time.
type Option[K comparable, V any] func(*Cache[K, V])

// WithMetrics records Cache activity through provider instead of the
// default no-op provider.
func WithMetrics[K comparable, V any](provider MetricsProvider) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.metrics = newCacheMetrics(provider)
	}
}

// WithClock overrides the time source used for producer-latency metrics.
// Intended for tests; defaults to the wall clock.
func WithClock[K comparable, V any](clock Clock) Option[K, V] {
	return func(c *Cache[K, V]) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithInvariantChecking enables an O(n) consistency audit of the Cache's
// internal maps after every mutating public call. It is a debugging and
// test aid — off by default — grounded on the checkInvariants/locker.Locker
// pattern the gcsfuse file-download job runs around its own lock.
func WithInvariantChecking[K comparable, V any]() Option[K, V] {
	return func(c *Cache[K, V]) {
		c.checkInvariants = true
	}
}

// Cache is an asynchronous task deduplication cache keyed by K, holding
// values of type V. See the package doc for its concurrency model. The zero
// value is not usable; construct with New.
type Cache[K comparable, V any] struct {
	mu sync.Mutex

	finished   map[K]V
	inProgress map[K]*execution[K, V]

	state   cacheState
	waiters *terminationWaiters

	metrics         *cacheMetrics
	clock           Clock
	checkInvariants bool
}

// New constructs an active, empty Cache.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		finished:   make(map[K]V),
		inProgress: make(map[K]*execution[K, V]),
		state:      stateActive,
		waiters:    newTerminationWaiters(),
		metrics:    newCacheMetrics(nil),
		clock:      realClock{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Execute returns, asynchronously through destination, the outcome of key's
// producer. If force is false and key already has a memoized value,
// destination is completed synchronously with it and producer is never
// consulted. Otherwise, Execute joins an in-flight execution for key or
// starts a new one, and attaches destination as one of its observers.
//
// The returned Subscription lets the caller withdraw its interest. If it is
// the last live Subscription on an execution that has not yet terminated,
// withdrawing it cancels the producer and drops the key from in-progress
// work without delivering anything (§5: last-observer-cancel).
func (c *Cache[K, V]) Execute(ctx context.Context, key K, producer Producer[V], force bool, destination Observer[V]) Subscription {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()

	if c.state != stateActive {
		c.mu.Unlock()
		destination.OnErrorWithContext(ctx, ErrShutdown)
		return NewSubscription(nil)
	}

	if force {
		delete(c.finished, key)
	} else if value, ok := c.finished[key]; ok {
		c.mu.Unlock()
		destination.OnSuccessWithContext(ctx, value)
		return NewSubscription(nil)
	}

	exec, existed := c.inProgress[key]
	if !existed {
		exec = newExecution[K, V](ctx, key, producer)
		c.inProgress[key] = exec
	}

	elem := exec.attach(destination)
	sub := NewSubscription(func() { c.detachOne(key, exec, elem) })

	if !existed {
		exec.state = execRunning
		exec.startedAt = c.clock.Now()
		c.metrics.started()
	}

	c.runInvariantCheckLocked()
	c.mu.Unlock()

	if !existed {
		c.startProducer(key, exec)
	}

	return sub
}

// ExecuteIfNot is Execute(ctx, key, producer, false, destination).
func (c *Cache[K, V]) ExecuteIfNot(ctx context.Context, key K, producer Producer[V], destination Observer[V]) Subscription {
	return c.Execute(ctx, key, producer, false, destination)
}

// startProducer invokes exec's producer outside the Cache's lock. Only the
// goroutine that just inserted exec into inProgress ever calls this, so two
// concurrent callers can never start the same key's producer twice.
func (c *Cache[K, V]) startProducer(key K, exec *execution[K, V]) {
	exec.producer(
		exec.ctx,
		func(cancel CancelFunc) { c.onProducerSubscribe(exec, cancel) },
		func(value V) { c.onProducerOutcome(key, exec, NewNotificationSuccess(value)) },
		func(err error) { c.onProducerOutcome(key, exec, NewNotificationError[V](err)) },
	)
}

// onProducerSubscribe records the producer's cancellation handle, or
// disposes of it immediately if the execution was already terminated before
// the handle arrived (the race documented in §4.2: "producer synchronously
// terminated during start").
func (c *Cache[K, V]) onProducerSubscribe(exec *execution[K, V], cancel CancelFunc) {
	c.mu.Lock()

	if exec.state == execTerminated {
		pending := exec.cancelPending
		c.mu.Unlock()

		if pending && cancel != nil {
			cancel()
		}
		return
	}

	exec.cancel = cancel
	c.mu.Unlock()
}

// onProducerOutcome handles a producer's terminal success or error. It is
// safe to call even if exec was concurrently cancelled (last-subscriber or
// ShutdownNow): the second arrival is dropped.
func (c *Cache[K, V]) onProducerOutcome(key K, exec *execution[K, V], n Notification[V]) {
	c.mu.Lock()

	if exec.state == execTerminated {
		c.mu.Unlock()
		OnDroppedNotification(exec.ctx, n)
		return
	}

	exec.state = execTerminated
	c.dropFromInProgressLocked(key, exec)

	if n.Kind == KindSuccess {
		c.finished[key] = n.Value
	}

	snapshot := exec.snapshotObservers()
	c.metrics.completedWith(c.clock.Now().Sub(exec.startedAt))
	fires := c.maybeReachShutdownLocked()
	c.runInvariantCheckLocked()
	c.mu.Unlock()

	for _, observer := range snapshot {
		processNotificationWithObserver(exec.ctx, n, observer)
	}
	fireAll(fires)
}

// cancelExecution terminates exec (if not already terminated) delivering
// err to its current observers, and cancels its upstream handle. Used by
// ShutdownNow, where the observer list generally still has live
// subscribers to notify. The last-observer-cancel path (detachOne) does
// its own termination instead, since it must decide "the list just became
// empty" and "mark terminated" inside one critical section — see detachOne.
func (c *Cache[K, V]) cancelExecution(key K, exec *execution[K, V], err error) {
	c.mu.Lock()

	if exec.state == execTerminated {
		c.mu.Unlock()
		return
	}

	cancel := exec.terminateLocked()
	c.dropFromInProgressLocked(key, exec)
	snapshot := exec.snapshotObservers()
	c.metrics.cancelledOne()
	fires := c.maybeReachShutdownLocked()
	c.runInvariantCheckLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	n := NewNotificationError[V](err)
	for _, observer := range snapshot {
		processNotificationWithObserver(exec.ctx, n, observer)
	}
	fireAll(fires)
}

func (c *Cache[K, V]) dropFromInProgressLocked(key K, exec *execution[K, V]) {
	if cur, ok := c.inProgress[key]; ok && cur == exec {
		delete(c.inProgress, key)
	}
}

// detachOne is the teardown run when a Subscription returned by Execute is
// disposed. It removes the caller's observer slot; if that was the last
// slot, it terminates the execution and drops it from inProgress in the
// same critical section that observed the emptiness, so a concurrent
// Execute can never attach a fresh observer in the gap and then have that
// observer cancelled out from under it (§5: last-observer-cancel must be
// indivisible from the emptiness check). If the execution has already
// terminated naturally, the slot removal is a no-op: the execution was
// already snapshotted and removed from inProgress by whichever of
// onProducerOutcome/cancelExecution got there first.
func (c *Cache[K, V]) detachOne(key K, exec *execution[K, V], elem *list.Element) {
	c.mu.Lock()

	if exec.state == execTerminated {
		c.mu.Unlock()
		return
	}

	empty := exec.detach(elem)
	if !empty {
		c.runInvariantCheckLocked()
		c.mu.Unlock()
		return
	}

	cancel := exec.terminateLocked()
	c.dropFromInProgressLocked(key, exec)
	c.metrics.cancelledOne()
	fires := c.maybeReachShutdownLocked()
	c.runInvariantCheckLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	fireAll(fires)
}

// GetFinishedTasks returns a snapshot of the keys with a memoized value.
func (c *Cache[K, V]) GetFinishedTasks() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	return maps.Keys(c.finished)
}

// GetInProgressTasks returns a snapshot of the keys with a producer
// currently running.
func (c *Cache[K, V]) GetInProgressTasks() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	return maps.Keys(c.inProgress)
}

// GetSubscriberCount returns the number of live Subscriptions attached to
// key's in-progress execution, or 0 if key has none.
func (c *Cache[K, V]) GetSubscriberCount(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exec, ok := c.inProgress[key]; ok {
		return exec.subscriberCount()
	}
	return 0
}

// Shutdown transitions the Cache from ACTIVE to PENDING_SHUTDOWN. From this
// point on, Execute/ExecuteIfNot fail with ErrShutdown; executions already
// in progress run to their natural completion. Idempotent.
func (c *Cache[K, V]) Shutdown() {
	c.mu.Lock()

	if c.state != stateActive {
		c.mu.Unlock()
		return
	}

	c.state = statePendingShutdown
	fires := c.maybeReachShutdownLocked()
	c.runInvariantCheckLocked()
	c.mu.Unlock()

	fireAll(fires)
}

// ShutdownNow calls Shutdown, cancels every execution currently in
// progress (each of their subscribers is completed with a *CancelledError),
// and blocks until the Cache reaches SHUTDOWN. Idempotent.
func (c *Cache[K, V]) ShutdownNow() {
	c.Shutdown()

	c.mu.Lock()
	execs := make([]*execution[K, V], 0, len(c.inProgress))
	keys := make([]K, 0, len(c.inProgress))
	for key, exec := range c.inProgress {
		execs = append(execs, exec)
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for i, exec := range execs {
		c.cancelExecution(keys[i], exec, ErrShutdownNow)
	}

	c.AwaitTermination().Wait()
}

// AwaitTermination returns a Completion that fires once the Cache reaches
// SHUTDOWN. If the Cache is already SHUTDOWN, it fires immediately.
func (c *Cache[K, V]) AwaitTermination() Completion {
	c.mu.Lock()

	if c.state == stateShutdown {
		c.mu.Unlock()
		completion, _ := newCompletion(true, nil)
		return completion
	}

	var elem *list.Element
	completion, fire := newCompletion(false, func() {
		c.mu.Lock()
		if elem != nil {
			c.waiters.deregister(elem)
		}
		c.mu.Unlock()
	})
	elem = c.waiters.register(fire)

	c.mu.Unlock()
	return completion
}

// maybeReachShutdownLocked checks whether the Cache can move from
// PENDING_SHUTDOWN to SHUTDOWN (no executions remain in progress) and, if
// so, performs the transition and drains the waiter list. Must be called
// with c.mu held; the returned fire callbacks must be invoked only after
// the lock is released.
func (c *Cache[K, V]) maybeReachShutdownLocked() []func() {
	if c.state != statePendingShutdown || len(c.inProgress) != 0 {
		return nil
	}

	c.state = stateShutdown
	return c.waiters.drain()
}

func fireAll(fires []func()) {
	for _, fire := range fires {
		fire()
	}
}

// runInvariantCheckLocked audits Cache invariant #1 (a key is never both
// finished and in-progress) when WithInvariantChecking is enabled. Must be
// called with c.mu held.
func (c *Cache[K, V]) runInvariantCheckLocked() {
	if !c.checkInvariants {
		return
	}

	for key := range c.finished {
		if _, ok := c.inProgress[key]; ok {
			panicInvariant("key %v present in both finished and inProgress", key)
		}
	}

	for key, exec := range c.inProgress {
		if exec.state == execTerminated {
			panicInvariant("terminated execution for key %v still present in inProgress", key)
		}
	}

	if c.state == stateShutdown && len(c.inProgress) != 0 {
		panicInvariant("cache reached SHUTDOWN with %d executions still in progress", len(c.inProgress))
	}
}
