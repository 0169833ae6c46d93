package taskcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscription_UnsubscribeRunsTeardownOnce(t *testing.T) {
	var calls int32
	sub := NewSubscription(func() { atomic.AddInt32(&calls, 1) })

	sub.Unsubscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.Equal(t, int32(1), calls)
	require.True(t, sub.IsClosed())
}

func TestSubscription_AddRunsInRegistrationOrder(t *testing.T) {
	var order []int
	sub := NewSubscription(nil)

	sub.Add(func() { order = append(order, 1) })
	sub.Add(func() { order = append(order, 2) })
	sub.Add(func() { order = append(order, 3) })

	sub.Unsubscribe()

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscription_AddAfterDisposeRunsImmediately(t *testing.T) {
	sub := NewSubscription(nil)
	sub.Unsubscribe()

	var ran bool
	sub.Add(func() { ran = true })

	require.True(t, ran)
}

func TestSubscription_WaitUnblocksOnUnsubscribe(t *testing.T) {
	sub := NewSubscription(nil)

	done := make(chan struct{})
	go func() {
		sub.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Unsubscribe was called")
	case <-time.After(20 * time.Millisecond):
	}

	sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Unsubscribe")
	}
}

func TestSubscription_ConcurrentUnsubscribeIsSafe(t *testing.T) {
	var calls int32
	sub := NewSubscription(func() { atomic.AddInt32(&calls, 1) })

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls)
}

func TestSubscription_TeardownPanicSurfacesFromUnsubscribe(t *testing.T) {
	sub := NewSubscription(func() { panic("teardown exploded") })

	require.Panics(t, func() { sub.Unsubscribe() })
}
