// Package camera owns the live connection to the sensor camera and exposes
// the most recently decoded frame.
package camera

import (
	"strings"
	"time"
)

// Stream modes.
const (
	ModeVideo    = "video"    // continuous stream decoded by OpenCV (MJPEG, RTSP, HTTP)
	ModeSnapshot = "snapshot" // single JPEG URL polled over HTTP
)

// Config holds all frame source parameters.
type Config struct {
	StreamURL string `json:"stream_url"`
	Mode      string `json:"stream_mode"`

	// Basic auth for snapshot mode.
	Username string `json:"stream_username,omitempty"`
	Password string `json:"stream_password,omitempty"`

	// ReconnectInterval is the pause between reconnection attempts.
	ReconnectInterval time.Duration `json:"-"`

	// LivenessWindow is how old the latest frame may be before the
	// connection is considered dead.
	LivenessWindow time.Duration `json:"-"`

	// SnapshotInterval is the poll period in snapshot mode.
	SnapshotInterval time.Duration `json:"-"`
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeVideo,
		ReconnectInterval: 30 * time.Second,
		LivenessWindow:    10 * time.Second,
		SnapshotInterval:  time.Second,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if strings.TrimSpace(c.StreamURL) == "" {
		errors = append(errors, "stream_url is required")
	}
	if c.Mode != "" && c.Mode != ModeVideo && c.Mode != ModeSnapshot {
		errors = append(errors, "stream_mode must be video or snapshot")
	}
	if c.ReconnectInterval < time.Second {
		errors = append(errors, "reconnect_interval_seconds must be at least 1")
	}
	if c.LivenessWindow < time.Second {
		errors = append(errors, "liveness_seconds must be at least 1")
	}

	return errors
}
