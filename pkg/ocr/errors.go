package ocr

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrEmptyImage is returned when asked to process an empty Mat.
	ErrEmptyImage = errors.New("ocr: empty image")

	// ErrEmptyResult is returned when the engine recognized nothing.
	ErrEmptyResult = errors.New("ocr: empty result")

	// ErrEngineUnavailable is returned when no engine handle could be used.
	ErrEngineUnavailable = errors.New("ocr: engine unavailable")
)

// Error wraps a failure in one OCR step.
type Error struct {
	// Op is the step that failed: "preprocess", "encode", "recognize".
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ocr [%s]: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches the step name unless err already carries one.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	return &Error{Op: op, Err: err}
}
