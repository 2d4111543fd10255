package ocr

import (
	"context"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// Recognizer is the interface for OCR engine backends.
type Recognizer interface {
	// Recognize returns the raw text found in a binary image.
	Recognize(ctx context.Context, img gocv.Mat, psm int) (string, error)

	// Close releases engine resources.
	Close() error
}

// RecognizerFunc adapts a function to the Recognizer interface.
type RecognizerFunc func(ctx context.Context, img gocv.Mat, psm int) (string, error)

// Recognize calls f.
func (f RecognizerFunc) Recognize(ctx context.Context, img gocv.Mat, psm int) (string, error) {
	return f(ctx, img, psm)
}

// Close is a no-op.
func (f RecognizerFunc) Close() error { return nil }

// Safe wraps a recognizer so that panics, empty output and bare errors all
// come back as *Error. A crashing engine never takes the caller down.
func Safe(r Recognizer) Recognizer {
	return &safeRecognizer{next: r}
}

type safeRecognizer struct {
	next Recognizer
}

func (s *safeRecognizer) Recognize(ctx context.Context, img gocv.Mat, psm int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text = ""
			err = &Error{Op: "recognize", Err: fmt.Errorf("engine panic: %v", p)}
		}
	}()

	if img.Empty() {
		return "", Wrap("recognize", ErrEmptyImage)
	}
	if err := ctx.Err(); err != nil {
		return "", Wrap("recognize", err)
	}

	text, err = s.next.Recognize(ctx, img, psm)
	if err != nil {
		return "", Wrap("recognize", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", Wrap("recognize", ErrEmptyResult)
	}
	return text, nil
}

func (s *safeRecognizer) Close() error {
	return s.next.Close()
}
