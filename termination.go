package taskcache

import "container/list"

// Completion is returned by Cache.AwaitTermination: it fires exactly once,
// when the Cache reaches its terminal SHUTDOWN state. Registered before
// SHUTDOWN, it fires when that state is reached; registered after, it fires
// immediately. Unsubscribe before it fires deregisters the waiter.
type Completion interface {
	Unsubscribable
	// Wait blocks until the Cache reaches SHUTDOWN.
	Wait()
}

type completionImpl struct {
	fired chan struct{}
	sub   Subscription
}

func newCompletion(alreadyShutdown bool, deregister func()) (*completionImpl, func()) {
	c := &completionImpl{fired: make(chan struct{})}
	fire := func() { close(c.fired) }

	if alreadyShutdown {
		c.sub = NewSubscription(nil)
		fire()
		return c, nil
	}

	c.sub = NewSubscription(deregister)
	return c, fire
}

func (c *completionImpl) Unsubscribe() { c.sub.Unsubscribe() }
func (c *completionImpl) Wait()        { <-c.fired }

// terminationWaiters is the ordered set of pending Completion fires awaiting
// SHUTDOWN. It lives on Cache and is only ever touched while Cache.mu is
// held — see Cache.maybeReachShutdownLocked.
type terminationWaiters struct {
	list *list.List // Value is func() (the completion's fire callback)
}

func newTerminationWaiters() *terminationWaiters {
	return &terminationWaiters{list: list.New()}
}

func (w *terminationWaiters) register(fire func()) *list.Element {
	return w.list.PushBack(fire)
}

// deregister is safe to call with an element that was already fired and
// cleared: list.Element.Remove is a documented no-op once the element's
// owning list pointer no longer matches, which is what happens when drain
// replaces w.list with a fresh list below instead of reusing list.Init.
func (w *terminationWaiters) deregister(elem *list.Element) {
	w.list.Remove(elem)
}

// drain returns every registered fire callback, in FIFO order, and clears
// the waiter set. A fresh list.List is allocated rather than reusing Init()
// so that any Subscription.Unsubscribe racing against this drain — which
// calls deregister with an element from the old list — safely no-ops
// instead of corrupting the new, empty list.
func (w *terminationWaiters) drain() []func() {
	fires := make([]func(), 0, w.list.Len())
	for el := w.list.Front(); el != nil; el = el.Next() {
		fires = append(fires, el.Value.(func()))
	}
	w.list = list.New()
	return fires
}
