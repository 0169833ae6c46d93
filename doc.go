// Package taskcache implements an asynchronous task deduplication cache: a
// concurrent map from key to the outcome of a caller-supplied asynchronous
// Producer, guaranteeing that at most one Producer invocation per key is
// in flight at a time, that every concurrent and subsequent subscriber to
// that key observes the same outcome, and that a successful outcome is
// memoized until explicitly invalidated by a forced re-execution.
//
// # Concurrency model
//
// A single Cache-wide mutex guards all bookkeeping: the finished-value map,
// the in-progress execution map, the cache's lifecycle state, and the
// termination waiter list. The lock is never held across a Producer
// invocation or an Observer callback — both of which are external code that
// may block. Cache.Execute instead splits its critical section into (a)
// look up or insert the execution and attach the new Subscription, entirely
// under the lock, and (b), if the execution was just created, starting its
// Producer after releasing the lock. This still prevents two concurrent
// callers from starting the same key's Producer twice, because only the
// caller that performed the insertion in (a) ever reaches (b).
//
// Delivering a terminal outcome follows the same shape in reverse: the
// execution is made unreachable (removed from the in-progress map, marked
// terminated) and its observer list is snapshotted while the lock is held,
// then the lock is released before each observer in the snapshot is
// notified. This keeps the "subscribe atomically with look-up-or-insert"
// invariant intact without ever running arbitrary caller code under the
// lock.
package taskcache
