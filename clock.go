package taskcache

import "time"

// Clock abstracts time.Now so producer-latency metrics can be exercised
// deterministically in tests without real sleeps. Supplied via WithClock;
// defaults to the wall clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
