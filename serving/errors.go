package serving

import "errors"

var (
	// ErrInsufficientMemory is returned by the block allocator when a
	// reservation or growth request cannot be satisfied from the free list.
	// The scheduler recovers from it by preempting or deferring; it is never
	// surfaced to a client directly.
	ErrInsufficientMemory = errors.New("insufficient KV cache memory")

	// ErrCapacityExceeded is delivered to a session whose sequence stayed
	// queued longer than the configured queue timeout.
	ErrCapacityExceeded = errors.New("capacity exceeded: request queued too long")

	// ErrExecutorFailure wraps a backend step failure. The whole batch is
	// failed and not retried, since the backend's cache state cannot be
	// assumed safe to resume.
	ErrExecutorFailure = errors.New("executor step failed")

	// ErrMalformedRequest is returned by Open before any sequence state is
	// created.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrEngineClosed is returned by Open after the engine run loop has
	// stopped.
	ErrEngineClosed = errors.New("engine closed")

	// ErrSessionClosed is returned by ReadNext after the terminal event has
	// been consumed (or, for cancelled sessions, after the stream closed).
	ErrSessionClosed = errors.New("session closed")
)
