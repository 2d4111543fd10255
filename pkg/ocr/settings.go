// Package ocr turns cropped sensor displays into text: binarization
// followed by recognition through a pluggable engine.
package ocr

// Mode selects the thresholding pipeline.
type Mode string

const (
	// ModeSimple applies one global threshold.
	ModeSimple Mode = "simple"
	// ModeAdaptive applies optional CLAHE then a local Gaussian threshold.
	ModeAdaptive Mode = "adaptive"
)

// Page segmentation modes used for seven-segment style displays.
const (
	PSMSingleBlock = 6
	PSMSingleLine  = 7
	PSMSingleWord  = 8
)

// Settings controls preprocessing and recognition.
// These can be modified via the settings API at runtime.
type Settings struct {
	Mode           Mode `json:"threshold_mode"`
	ThresholdValue int  `json:"threshold_value"` // 0-255, simple mode

	// Adaptive mode
	UseCLAHE     bool    `json:"use_clahe"`
	ClipLimit    float64 `json:"clip_limit"`
	TileGridSize int     `json:"tile_grid_size"`
	BlockSize    int     `json:"block_size"` // odd, >= 3
	CConstant    float64 `json:"c_constant"`

	// MinHeight upscales crops shorter than this before thresholding.
	// Zero disables scaling.
	MinHeight int `json:"min_height"`

	PSMMode int `json:"psm_mode"`
}

// DefaultSettings returns the settings used for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Mode:           ModeSimple,
		ThresholdValue: 200,
		UseCLAHE:       false,
		ClipLimit:      2.0,
		TileGridSize:   8,
		BlockSize:      11,
		CConstant:      2,
		PSMMode:        PSMSingleLine,
	}
}

// Normalize fixes values that have an obvious nearest valid value.
// An even block size is bumped to the next odd one.
func (s Settings) Normalize() Settings {
	if s.Mode == "" {
		s.Mode = ModeSimple
	}
	if s.BlockSize < 3 {
		s.BlockSize = 3
	}
	if s.BlockSize%2 == 0 {
		s.BlockSize++
	}
	if s.TileGridSize <= 0 {
		s.TileGridSize = 8
	}
	return s
}

// Validate checks if the settings are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (s Settings) Validate() []string {
	var errors []string

	if s.Mode != ModeSimple && s.Mode != ModeAdaptive {
		errors = append(errors, "threshold_mode must be simple or adaptive")
	}
	if s.ThresholdValue < 0 || s.ThresholdValue > 255 {
		errors = append(errors, "threshold_value must be between 0 and 255")
	}
	if s.BlockSize < 3 || s.BlockSize%2 == 0 {
		errors = append(errors, "block_size must be odd and at least 3")
	}
	if s.UseCLAHE {
		if s.ClipLimit <= 0 {
			errors = append(errors, "clip_limit must be positive")
		}
		if s.TileGridSize <= 0 {
			errors = append(errors, "tile_grid_size must be positive")
		}
	}
	if s.MinHeight < 0 || s.MinHeight > 1000 {
		errors = append(errors, "min_height must be between 0 and 1000")
	}
	if s.PSMMode < 0 || s.PSMMode > 13 {
		errors = append(errors, "psm_mode must be between 0 and 13")
	}

	return errors
}
