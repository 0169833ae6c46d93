package taskcache

import (
	"time"

	"github.com/ygrebnov/workers/metrics"
)

// MetricsProvider is re-exported so callers wiring WithMetrics don't need a
// direct import of the upstream package for the common case.
type MetricsProvider = metrics.Provider

// cacheMetrics wraps the instruments a Cache records through its configured
// MetricsProvider. Built once per Cache; every instrument is created on
// construction the way ygrebnov/workers' BasicProvider expects (instruments
// are looked up/created once by name and then reused).
type cacheMetrics struct {
	inFlight  metrics.UpDownCounter
	completed metrics.Counter
	cancelled metrics.Counter
	latency   metrics.Histogram
}

func newCacheMetrics(provider metrics.Provider) *cacheMetrics {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}

	return &cacheMetrics{
		inFlight: provider.UpDownCounter(
			"taskcache_executions_in_flight",
			metrics.WithDescription("number of distinct keys with a producer currently running"),
			metrics.WithUnit("1"),
		),
		completed: provider.Counter(
			"taskcache_executions_completed_total",
			metrics.WithDescription("producer invocations that reached a terminal outcome"),
			metrics.WithUnit("1"),
		),
		cancelled: provider.Counter(
			"taskcache_executions_cancelled_total",
			metrics.WithDescription("producer invocations cancelled by last-subscriber-unsubscribe or ShutdownNow"),
			metrics.WithUnit("1"),
		),
		latency: provider.Histogram(
			"taskcache_producer_duration_seconds",
			metrics.WithDescription("wall-clock duration of a producer invocation, start to terminal outcome"),
			metrics.WithUnit("s"),
		),
	}
}

func (m *cacheMetrics) started() {
	m.inFlight.Add(1)
}

func (m *cacheMetrics) completedWith(d time.Duration) {
	m.inFlight.Add(-1)
	m.completed.Add(1)
	m.latency.Record(d.Seconds())
}

func (m *cacheMetrics) cancelledOne() {
	m.inFlight.Add(-1)
	m.cancelled.Add(1)
}
