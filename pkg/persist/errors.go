package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by RetryQueue.Push when the oldest point was
	// evicted to make room. The new point is still queued.
	ErrQueueFull = errors.New("persist: retry queue full, oldest point dropped")

	// ErrNoWriter is returned when no store is configured.
	ErrNoWriter = errors.New("persist: no writer configured")
)

// WriteError wraps a failed write or ping against a store backend.
type WriteError struct {
	Backend string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist [%s]: %v", e.Backend, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
