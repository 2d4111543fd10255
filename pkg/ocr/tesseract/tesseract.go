// Package tesseract implements ocr.Recognizer on top of libtesseract.
//
// A gosseract client is not safe for concurrent use, so the engine keeps a
// fixed pool of clients, one per OCR worker.
package tesseract

import (
	"context"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-anipill/pkg/ocr"
)

// DigitWhitelist restricts recognition to temperature characters.
const DigitWhitelist = "0123456789."

// Config holds engine configuration.
type Config struct {
	Language       string // tessdata language, default "eng"
	Whitelist      string // empty disables the whitelist
	Workers        int    // number of pooled clients
	TessdataPrefix string // optional tessdata directory
}

// DefaultConfig returns the configuration used for LCD temperature displays.
func DefaultConfig() Config {
	return Config{
		Language:  "eng",
		Whitelist: DigitWhitelist,
		Workers:   4,
	}
}

// Engine is a pooled Tesseract recognizer.
type Engine struct {
	clients chan *gosseract.Client
	all     []*gosseract.Client

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an engine with cfg.Workers clients.
func New(cfg Config) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}

	e := &Engine{
		clients: make(chan *gosseract.Client, cfg.Workers),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c, err := newClient(cfg)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.all = append(e.all, c)
		e.clients <- c
	}
	return e, nil
}

func newClient(cfg Config) (*gosseract.Client, error) {
	c := gosseract.NewClient()
	if cfg.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(cfg.TessdataPrefix); err != nil {
			c.Close()
			return nil, fmt.Errorf("tesseract: set tessdata prefix: %w", err)
		}
	}
	if err := c.SetLanguage(cfg.Language); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract: set language %q: %w", cfg.Language, err)
	}
	if cfg.Whitelist != "" {
		if err := c.SetWhitelist(cfg.Whitelist); err != nil {
			c.Close()
			return nil, fmt.Errorf("tesseract: set whitelist: %w", err)
		}
	}
	return c, nil
}

// Recognize runs OCR on a binary image using the given page segmentation mode.
func (e *Engine) Recognize(ctx context.Context, img gocv.Mat, psm int) (string, error) {
	png, err := ocr.EncodePNG(img)
	if err != nil {
		return "", err
	}

	var c *gosseract.Client
	select {
	case c = <-e.clients:
	case <-e.done:
		return "", ocr.Wrap("recognize", ocr.ErrEngineUnavailable)
	case <-ctx.Done():
		return "", ocr.Wrap("recognize", ctx.Err())
	}
	defer func() { e.clients <- c }()

	if err := c.SetPageSegMode(gosseract.PageSegMode(psm)); err != nil {
		return "", ocr.Wrap("recognize", fmt.Errorf("set psm %d: %w", psm, err))
	}
	if err := c.SetImageFromBytes(png); err != nil {
		return "", ocr.Wrap("recognize", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", ocr.Wrap("recognize", err)
	}
	return text, nil
}

// Close releases every pooled client. In-flight calls finish first.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.done)
		for range e.all {
			c := <-e.clients
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("tesseract: errors during close: %v", errs)
	}
	return nil
}
