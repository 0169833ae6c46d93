package taskcache

import (
	"errors"
	"fmt"
)

// CancelledError is returned when a key's outcome can never be produced
// because the cache is draining or dead: either Cache.Execute was called
// after shutdown, or Cache.ShutdownNow cancelled an in-flight execution out
// from under its subscribers.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "taskcache: cancelled"
	}
	return "taskcache: cancelled: " + e.Reason
}

// ErrShutdown is returned by Cache.Execute / Cache.ExecuteIfNot once the
// cache has left the active state.
var ErrShutdown = &CancelledError{Reason: "cache is shutting down or shut down"}

// ErrShutdownNow is delivered to every subscriber of every execution still
// in progress when Cache.ShutdownNow runs.
var ErrShutdownNow = &CancelledError{Reason: "cache.ShutdownNow cancelled this execution"}

// IsCancelled reports whether err is (or wraps) a *CancelledError.
func IsCancelled(err error) bool {
	var target *CancelledError
	return errors.As(err, &target)
}

// invariantViolation is raised when an internal precondition the Cache's
// locking discipline is supposed to make unreachable is nonetheless
// observed — e.g. a new subscriber attempting to attach to an execution
// already marked terminated. It is not a user-facing error: it indicates a
// bug in this package and is fatal, mirroring the checkInvariants-panics
// pattern used by gcsfuse's file download Job around its own Locker.
type invariantViolation struct {
	msg string
}

func (e *invariantViolation) Error() string {
	return "taskcache: invariant violation: " + e.msg
}

func panicInvariant(format string, args ...any) {
	panic(&invariantViolation{msg: fmt.Sprintf(format, args...)})
}
