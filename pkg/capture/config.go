// Package capture runs capture cycles: one frame, every configured region
// through extraction, preprocessing, recognition and validation, then the
// resulting batch to the reading store and the sinks.
package capture

import (
	"time"

	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/roi"
)

// Interval bounds.
const (
	MinInterval = time.Minute
	MaxInterval = 60 * time.Minute
)

// Config holds scheduler parameters.
type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	Workers      int
	SinkTimeout  time.Duration
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Minute,
		CycleTimeout: 2 * time.Minute,
		Workers:      4,
		SinkTimeout:  30 * time.Second,
	}
}

// Validate checks if the config values are within valid ranges.
func (c *Config) Validate() []string {
	var errors []string
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		errors = append(errors, ErrInvalidInterval.Error())
	}
	if c.CycleTimeout <= 0 {
		errors = append(errors, "cycle_timeout_seconds must be positive")
	}
	if c.Workers < 1 {
		errors = append(errors, "ocr_workers must be at least 1")
	}
	return errors
}

// Plan is the snapshot of regions and settings one cycle works from.
// It is taken once at the start of a cycle; later edits do not affect it.
type Plan struct {
	Regions  []roi.Region
	Settings ocr.Settings
	Range    reading.Range
	Parse    reading.Options
}

// Validate reports the first problem that would make every cycle fail.
func (p Plan) Validate() error {
	if err := roi.ValidateSet(p.Regions); err != nil {
		return err
	}
	if errs := p.Settings.Validate(); len(errs) > 0 {
		return &planError{msg: "ocr_settings: " + errs[0]}
	}
	return p.Range.Validate()
}

type planError struct{ msg string }

func (e *planError) Error() string { return "capture: " + e.msg }
