// Package roi defines sensor display regions and crops them out of frames.
package roi

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidRegion is returned for regions with a non-positive size or
// negative origin.
var ErrInvalidRegion = errors.New("roi: invalid region")

// Region is one sensor's display rectangle in native frame coordinates.
type Region struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Rect returns the region as an image rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Label returns the display name, falling back to S<id>.
func (r Region) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("S%d", r.ID)
}

// Validate checks a single region.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: region %d has size %dx%d", ErrInvalidRegion, r.ID, r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: region %d has origin (%d,%d)", ErrInvalidRegion, r.ID, r.X, r.Y)
	}
	if r.X > math.MaxInt-r.Width || r.Y > math.MaxInt-r.Height {
		return fmt.Errorf("%w: region %d extends past the coordinate range", ErrInvalidRegion, r.ID)
	}
	return nil
}

// ValidateSet checks every region and that ids are unique.
func ValidateSet(regions []Region) error {
	seen := make(map[int]bool, len(regions))
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate id %d", ErrInvalidRegion, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// Clone returns a copy of the slice so callers can hold it across edits.
func Clone(regions []Region) []Region {
	if regions == nil {
		return nil
	}
	out := make([]Region, len(regions))
	copy(out, regions)
	return out
}

// ExtractionError reports a region that does not overlap the frame.
type ExtractionError struct {
	RegionID int
	Rect     image.Rectangle
	Bounds   image.Rectangle
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("roi: region %d %v outside frame %v", e.RegionID, e.Rect, e.Bounds)
}

// Clip intersects the region with the frame bounds. Partial overlap is
// clipped; an empty intersection yields an *ExtractionError.
func Clip(r Region, bounds image.Rectangle) (image.Rectangle, error) {
	rect := r.Rect()
	clipped := rect.Intersect(bounds)
	if clipped.Empty() {
		return image.Rectangle{}, &ExtractionError{RegionID: r.ID, Rect: rect, Bounds: bounds}
	}
	return clipped, nil
}
