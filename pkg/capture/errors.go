package capture

import "errors"

var (
	// ErrBusy is returned when a cycle is already in progress. Triggers are
	// rejected, never queued.
	ErrBusy = errors.New("capture: a cycle is already running")

	// ErrAlreadyRunning is returned by Start when the timer is active.
	ErrAlreadyRunning = errors.New("capture: already running")

	// ErrNotRunning is returned by Stop when the timer is not active.
	ErrNotRunning = errors.New("capture: not running")

	// ErrCycleTimeout is returned when a cycle exceeds the wall-clock bound.
	ErrCycleTimeout = errors.New("capture: cycle timed out")

	// ErrFailed is returned by Start while the scheduler is in the Error
	// state; Reset clears it.
	ErrFailed = errors.New("capture: scheduler failed, reset required")

	// ErrInvalidInterval is returned for intervals outside 1..60 minutes.
	ErrInvalidInterval = errors.New("capture: interval must be between 1 and 60 minutes")
)
