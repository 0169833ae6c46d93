package taskcache

import "context"

// Unit is the empty value used by Cache[K, Unit] for work that only needs
// to be deduplicated, not produce a result — the "convenience variant
// parameterized over a completion-only work unit" called for by the cache's
// external interface.
type Unit struct{}

// CompletionProducer adapts a completion-only function (no produced value)
// into a Producer[Unit]. fn must follow the same contract as Producer:
// return promptly, call onSubscribe exactly once, then call exactly one of
// onComplete or onError exactly once.
func CompletionProducer(fn func(ctx context.Context, onSubscribe func(CancelFunc), onComplete func(), onError func(error))) Producer[Unit] {
	return func(ctx context.Context, onSubscribe func(CancelFunc), onSuccess func(Unit), onError func(error)) {
		fn(ctx, onSubscribe, func() { onSuccess(Unit{}) }, onError)
	}
}

// FromFunc adapts a plain context-aware function into a Producer. fn is run
// in its own goroutine, so it satisfies the "producer must return promptly"
// requirement regardless of how long fn itself takes; cancellation is
// advisory — fn must observe ctx.Done() to actually stop early.
func FromFunc[V any](fn func(ctx context.Context) (V, error)) Producer[V] {
	return func(ctx context.Context, onSubscribe func(CancelFunc), onSuccess func(V), onError func(error)) {
		runCtx, cancel := context.WithCancel(ctx)
		onSubscribe(CancelFunc(cancel))

		go safeGo(runCtx, func() {
			value, err := fn(runCtx)
			if err != nil {
				onError(err)
				return
			}
			onSuccess(value)
		})
	}
}

// safeGo runs fn, recovering any panic and reporting it through
// OnUnhandledError instead of crashing the goroutine. Mirrors the shape of
// the teacher's `go recoverUnhandledError(func() { ... })` background
// launches (see source_watch.go's WatchFile/WatchURL in the retrieval pack).
func safeGo(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			OnUnhandledError(ctx, newObserverError(recoverValueToError(r)))
		}
	}()

	fn()
}
