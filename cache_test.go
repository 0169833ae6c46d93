package taskcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func blockingProducer(starts *int32, release <-chan struct{}, value int) Producer[int] {
	return FromFunc(func(ctx context.Context) (int, error) {
		atomic.AddInt32(starts, 1)
		select {
		case <-release:
			return value, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}

func TestCache_ExecuteDeduplicatesConcurrentCallers(t *testing.T) {
	c := New[string, int]()
	defer c.ShutdownNow()

	var starts int32
	release := make(chan struct{})
	producer := blockingProducer(&starts, release, 7)

	const n = 100
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done := make(chan struct{})
			c.Execute(context.Background(), "key", producer, false, NewObserver(
				func(value int) { results[i] = value; close(done) },
				func(err error) { errs[i] = err; close(done) },
			))
			<-done
		}(i)
	}

	// give every caller a chance to join the same in-flight execution before
	// letting the producer finish.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, n, c.GetSubscriberCount("key"))
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&starts))
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, 7, results[i])
	}
}

func TestCache_MemoizesSuccessfulOutcome(t *testing.T) {
	c := New[string, int]()
	defer c.ShutdownNow()

	var starts int32
	producer := FromFunc(func(ctx context.Context) (int, error) {
		atomic.AddInt32(&starts, 1)
		return 9, nil
	})

	runOnce(t, c, producer)
	runOnce(t, c, producer)
	runOnce(t, c, producer)

	require.Equal(t, int32(1), atomic.LoadInt32(&starts))
	require.Contains(t, c.GetFinishedTasks(), "key")
}

func TestCache_ForceReExecutesDespiteMemoization(t *testing.T) {
	c := New[string, int]()
	defer c.ShutdownNow()

	var starts int32
	producer := FromFunc(func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&starts, 1)
		return int(n), nil
	})

	first := runOnceWithResult(t, c, producer, false)
	second := runOnceWithResult(t, c, producer, false)
	third := runOnceWithResult(t, c, producer, true)

	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
	require.Equal(t, 2, third)
	require.Equal(t, int32(2), atomic.LoadInt32(&starts))
}

func TestCache_LastSubscriberUnsubscribeCancelsProducer(t *testing.T) {
	c := New[string, int]()
	defer c.ShutdownNow()

	var starts int32
	release := make(chan struct{})
	producer := blockingProducer(&starts, release, 1)

	sub := c.Execute(context.Background(), "key", producer, false, NoopObserver[int]())
	require.Equal(t, 1, c.GetSubscriberCount("key"))

	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		return c.GetSubscriberCount("key") == 0
	}, time.Second, 5*time.Millisecond)

	require.NotContains(t, c.GetInProgressTasks(), "key")
	require.NotContains(t, c.GetFinishedTasks(), "key")
}

func TestCache_ShutdownNowCancelsInProgressExecutions(t *testing.T) {
	c := New[string, int]()

	release := make(chan struct{})
	var starts int32
	producer := blockingProducer(&starts, release, 1)

	var gotErr error
	done := make(chan struct{})
	c.Execute(context.Background(), "key", producer, false, NewObserver(
		func(value int) { close(done) },
		func(err error) { gotErr = err; close(done) },
	))

	c.ShutdownNow()

	<-done
	require.True(t, IsCancelled(gotErr))
	require.ErrorIs(t, gotErr, ErrShutdownNow)
}

func TestCache_ErroredOutcomeIsNotMemoized(t *testing.T) {
	c := New[string, int]()
	defer c.ShutdownNow()

	errBoom := errors.New("boom")
	var starts int32
	producer := FromFunc(func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&starts, 1)
		if n == 1 {
			return 0, errBoom
		}
		return 5, nil
	})

	first := make(chan struct{})
	var firstErr error
	c.Execute(context.Background(), "key", producer, false, NewObserver(
		func(value int) { close(first) },
		func(err error) { firstErr = err; close(first) },
	))
	<-first
	require.ErrorIs(t, firstErr, errBoom)
	require.NotContains(t, c.GetFinishedTasks(), "key")

	second := runOnceWithResult(t, c, producer, false)
	require.Equal(t, 5, second)
	require.Equal(t, int32(2), atomic.LoadInt32(&starts))
}

func TestCache_CompletionOnlyProducerDedupesAndMemoizes(t *testing.T) {
	c := New[string, Unit]()
	defer c.ShutdownNow()

	var starts int32
	release := make(chan struct{})
	producer := CompletionProducer(func(ctx context.Context, onSubscribe func(CancelFunc), onComplete func(), onError func(error)) {
		runCtx, cancel := context.WithCancel(ctx)
		onSubscribe(CancelFunc(cancel))

		go func() {
			atomic.AddInt32(&starts, 1)
			select {
			case <-release:
				onComplete()
			case <-runCtx.Done():
				onError(runCtx.Err())
			}
		}()
	})

	const n = 10
	var wg sync.WaitGroup
	completed := make([]bool, n)

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done := make(chan struct{})
			c.Execute(context.Background(), "reindex", producer, false, NewObserver(
				func(Unit) { completed[i] = true; close(done) },
				func(err error) { t.Errorf("unexpected error: %v", err); close(done) },
			))
			<-done
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, n, c.GetSubscriberCount("reindex"))
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&starts))
	for i := range n {
		require.True(t, completed[i])
	}

	// a subsequent call is served from the memoized completion without
	// starting the producer again.
	done := make(chan struct{})
	c.Execute(context.Background(), "reindex", producer, false, NewObserver(
		func(Unit) { close(done) },
		func(err error) { t.Errorf("unexpected error: %v", err); close(done) },
	))
	<-done

	require.Equal(t, int32(1), atomic.LoadInt32(&starts))
}

func TestCache_ExecuteAfterShutdownReturnsError(t *testing.T) {
	c := New[string, int]()
	c.Shutdown()

	done := make(chan struct{})
	var gotErr error
	c.Execute(context.Background(), "key", FromFunc(func(ctx context.Context) (int, error) {
		return 1, nil
	}), false, NewObserver(
		func(value int) { close(done) },
		func(err error) { gotErr = err; close(done) },
	))

	<-done
	require.ErrorIs(t, gotErr, ErrShutdown)
}

func TestCache_AwaitTerminationFiresOnceDrained(t *testing.T) {
	c := New[string, int]()

	release := make(chan struct{})
	var starts int32
	producer := blockingProducer(&starts, release, 1)

	done := make(chan struct{})
	c.Execute(context.Background(), "key", producer, false, NewObserver(
		func(value int) { close(done) },
		func(err error) {},
	))

	c.Shutdown()

	fired := make(chan struct{})
	go func() {
		c.AwaitTermination().Wait()
		close(fired)
	}()

	select {
	case <-fired:
		t.Fatal("AwaitTermination fired before the in-flight execution completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AwaitTermination did not fire after the cache drained")
	}
}

func runOnce(t *testing.T, c *Cache[string, int], producer Producer[int]) {
	t.Helper()
	runOnceWithResult(t, c, producer, false)
}

func runOnceWithResult(t *testing.T, c *Cache[string, int], producer Producer[int], force bool) int {
	t.Helper()

	done := make(chan struct{})
	var value int
	var err error
	c.Execute(context.Background(), "key", producer, force, NewObserver(
		func(v int) { value = v; close(done) },
		func(e error) { err = e; close(done) },
	))
	<-done

	require.NoError(t, err)
	return value
}
