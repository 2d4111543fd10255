package camera

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNoFrame is returned when no frame has been decoded yet.
	ErrNoFrame = errors.New("camera: no frame available")

	// ErrStale is returned when the latest frame is older than the liveness window.
	ErrStale = errors.New("camera: frame is stale")

	// ErrNotStarted is returned by operations that need a running source.
	ErrNotStarted = errors.New("camera: source not started")

	// ErrReadFailed is returned by streams when a frame could not be decoded.
	ErrReadFailed = errors.New("camera: read failed")
)

// Error carries the operation and stream URL of a camera failure.
type Error struct {
	Op  string // "open", "read", "latest", "reconnect"
	URL string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("camera [%s]: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("camera [%s %s]: %v", e.Op, redact(e.URL), e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsCameraError reports whether err originated in this package.
func IsCameraError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) ||
		errors.Is(err, ErrNoFrame) ||
		errors.Is(err, ErrStale) ||
		errors.Is(err, ErrNotStarted)
}
