// Package reading holds recognized sensor values: parsing and range
// validation of raw OCR text, and the cache of the last capture cycle.
package reading

import (
	"fmt"
	"time"
)

// Reasons attached to invalid readings.
const (
	ReasonParseFailed      = "parse_failed"
	ReasonOutOfRange       = "out_of_range"
	ReasonExtractionFailed = "extraction_failed"
	ReasonPreprocessFailed = "preprocess_failed"
	ReasonOCRFailed        = "ocr_failed"
)

// Reading is one sensor's result for one capture cycle.
// It is never mutated after creation.
type Reading struct {
	SensorID    int               `json:"sensor_id"`
	SensorName  string            `json:"sensor_name,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	RawText     string            `json:"raw_text"`
	Temperature *float64          `json:"temperature"`
	Valid       bool              `json:"valid"`
	Reason      string            `json:"reason,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	DebugImages map[string]string `json:"debug_images,omitempty"`
}

// Value returns the temperature, if one was parsed.
func (r Reading) Value() (float64, bool) {
	if r.Temperature == nil {
		return 0, false
	}
	return *r.Temperature, true
}

// WithoutDebug returns a copy with debug images dropped.
func (r Reading) WithoutDebug() Reading {
	r.DebugImages = nil
	return r
}

// Batch is the ordered set of readings from one capture cycle.
type Batch struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Readings  []Reading `json:"readings"`
}

// Valid returns the readings that passed validation, in order.
func (b Batch) Valid() []Reading {
	var out []Reading
	for _, r := range b.Readings {
		if r.Valid {
			out = append(out, r)
		}
	}
	return out
}

// Range is the inclusive band of plausible temperatures.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultRange is the band of plausible body temperatures for the implants.
func DefaultRange() Range {
	return Range{Min: 5, Max: 37}
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Validate checks Min <= Max.
func (r Range) Validate() error {
	if r.Min > r.Max {
		return fmt.Errorf("reading: range min %.1f above max %.1f", r.Min, r.Max)
	}
	return nil
}
