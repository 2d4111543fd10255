// Package config holds the persisted service configuration: one JSON
// document with the stream, schedule, regions, OCR settings and store
// connection parameters.
package config

import (
	"fmt"
	"maps"
	"time"

	"github.com/teslashibe/go-anipill/pkg/camera"
	"github.com/teslashibe/go-anipill/pkg/capture"
	"github.com/teslashibe/go-anipill/pkg/ocr"
	"github.com/teslashibe/go-anipill/pkg/persist"
	"github.com/teslashibe/go-anipill/pkg/persist/clickhouse"
	"github.com/teslashibe/go-anipill/pkg/persist/influx"
	"github.com/teslashibe/go-anipill/pkg/persist/mqtt"
	"github.com/teslashibe/go-anipill/pkg/reading"
	"github.com/teslashibe/go-anipill/pkg/roi"
)

// DefaultPath is where the document lives relative to the working directory.
const DefaultPath = "config/rois.json"

// Store backends.
const (
	BackendInflux     = "influxdb"
	BackendClickHouse = "clickhouse"
)

// Error is a configuration problem. It names the offending field.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// OCRSettings extends the preprocessing settings with parsing options.
type OCRSettings struct {
	ocr.Settings

	ImpliedDecimals int               `json:"implied_decimals"`
	Confusions      map[string]string `json:"confusions"`
}

// StoreSettings configures the Persister.
type StoreSettings struct {
	Backend              string `json:"backend"`
	RetryQueueSize       int    `json:"retry_queue_size"`
	RetryIntervalSeconds int    `json:"retry_interval_seconds"`
	FailureThreshold     int    `json:"failure_threshold"`
}

// Document is the whole configuration file.
type Document struct {
	StreamURL      string `json:"stream_url"`
	CameraID       string `json:"camera_id"`
	StreamMode     string `json:"stream_mode"`
	StreamUsername string `json:"stream_username,omitempty"`
	StreamPassword string `json:"stream_password,omitempty"`

	ReconnectIntervalSeconds int `json:"reconnect_interval_seconds"`
	LivenessSeconds          int `json:"liveness_seconds"`

	// LiveFPS is the /ws/camera push rate.
	LiveFPS int `json:"live_fps"`

	ProcessingIntervalMinutes int `json:"processing_interval_minutes"`
	CycleTimeoutSeconds       int `json:"cycle_timeout_seconds"`
	OCRWorkers                int `json:"ocr_workers"`

	TemperatureRange reading.Range `json:"temperature_range"`
	ROIs             []roi.Region  `json:"rois"`
	OCRSettings      OCRSettings   `json:"ocr_settings"`

	Store      StoreSettings     `json:"store"`
	InfluxDB   influx.Config     `json:"influxdb"`
	ClickHouse clickhouse.Config `json:"clickhouse"`
	MQTT       mqtt.Config       `json:"mqtt"`
}

// Default returns the document written on first start.
func Default() Document {
	return Document{
		CameraID:                  "cam_1",
		StreamMode:                camera.ModeVideo,
		ReconnectIntervalSeconds:  30,
		LivenessSeconds:           10,
		LiveFPS:                   2,
		ProcessingIntervalMinutes: 15,
		CycleTimeoutSeconds:       120,
		OCRWorkers:                4,
		TemperatureRange:          reading.DefaultRange(),
		ROIs:                      []roi.Region{},
		OCRSettings:               OCRSettings{Settings: ocr.DefaultSettings()},
		Store: StoreSettings{
			Backend:              BackendInflux,
			RetryQueueSize:       1000,
			RetryIntervalSeconds: 30,
			FailureThreshold:     3,
		},
		InfluxDB:   influx.DefaultConfig(),
		ClickHouse: clickhouse.DefaultConfig(),
		MQTT:       mqtt.DefaultConfig(),
	}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	d.ROIs = roi.Clone(d.ROIs)
	if d.ROIs == nil {
		d.ROIs = []roi.Region{}
	}
	d.OCRSettings.Confusions = maps.Clone(d.OCRSettings.Confusions)
	return d
}

// Normalize fixes values that have an obvious nearest valid value.
func (d *Document) Normalize() {
	d.OCRSettings.Settings = d.OCRSettings.Settings.Normalize()
	if d.StreamMode == "" {
		d.StreamMode = camera.ModeVideo
	}
	if d.CameraID == "" {
		d.CameraID = "cam_1"
	}
	if d.ROIs == nil {
		d.ROIs = []roi.Region{}
	}
}

// Validate returns the first problem found, as an *Error.
func (d *Document) Validate() error {
	if d.StreamMode != camera.ModeVideo && d.StreamMode != camera.ModeSnapshot {
		return &Error{"stream_mode", "must be video or snapshot"}
	}
	if d.ReconnectIntervalSeconds < 1 {
		return &Error{"reconnect_interval_seconds", "must be at least 1"}
	}
	if d.LivenessSeconds < 1 {
		return &Error{"liveness_seconds", "must be at least 1"}
	}
	if d.LiveFPS < 1 || d.LiveFPS > 30 {
		return &Error{"live_fps", "must be between 1 and 30"}
	}
	if iv := d.Interval(); iv < capture.MinInterval || iv > capture.MaxInterval {
		return &Error{"processing_interval_minutes", "must be between 1 and 60"}
	}
	if d.CycleTimeoutSeconds < 1 {
		return &Error{"cycle_timeout_seconds", "must be at least 1"}
	}
	if d.OCRWorkers < 1 || d.OCRWorkers > 32 {
		return &Error{"ocr_workers", "must be between 1 and 32"}
	}
	if err := d.TemperatureRange.Validate(); err != nil {
		return &Error{"temperature_range", "min must not exceed max"}
	}
	if err := roi.ValidateSet(d.ROIs); err != nil {
		return &Error{"rois", err.Error()}
	}
	if errs := d.OCRSettings.Validate(); len(errs) > 0 {
		return &Error{"ocr_settings", errs[0]}
	}
	if n := d.OCRSettings.ImpliedDecimals; n < 0 || n > 3 {
		return &Error{"ocr_settings.implied_decimals", "must be between 0 and 3"}
	}
	if _, err := reading.ConfusionsFromStrings(d.OCRSettings.Confusions); err != nil {
		return &Error{"ocr_settings.confusions", err.Error()}
	}

	switch d.Store.Backend {
	case BackendInflux:
		if errs := d.InfluxDB.Validate(); len(errs) > 0 {
			return &Error{"influxdb", errs[0]}
		}
	case BackendClickHouse:
		if errs := d.ClickHouse.Validate(); len(errs) > 0 {
			return &Error{"clickhouse", errs[0]}
		}
	default:
		return &Error{"store.backend", "must be influxdb or clickhouse"}
	}
	if d.Store.RetryQueueSize < 1 {
		return &Error{"store.retry_queue_size", "must be at least 1"}
	}
	if d.Store.RetryIntervalSeconds < 1 {
		return &Error{"store.retry_interval_seconds", "must be at least 1"}
	}
	if d.Store.FailureThreshold < 1 {
		return &Error{"store.failure_threshold", "must be at least 1"}
	}
	if errs := d.MQTT.Validate(); len(errs) > 0 {
		return &Error{"mqtt", errs[0]}
	}
	return nil
}

// Interval returns the processing interval.
func (d *Document) Interval() time.Duration {
	return time.Duration(d.ProcessingIntervalMinutes) * time.Minute
}

// CameraConfig returns the FrameSource configuration.
func (d *Document) CameraConfig() camera.Config {
	cfg := camera.DefaultConfig()
	cfg.StreamURL = d.StreamURL
	cfg.Mode = d.StreamMode
	cfg.Username = d.StreamUsername
	cfg.Password = d.StreamPassword
	cfg.ReconnectInterval = time.Duration(d.ReconnectIntervalSeconds) * time.Second
	cfg.LivenessWindow = time.Duration(d.LivenessSeconds) * time.Second
	return cfg
}

// CaptureConfig returns the scheduler configuration.
func (d *Document) CaptureConfig() capture.Config {
	cfg := capture.DefaultConfig()
	cfg.Interval = d.Interval()
	cfg.CycleTimeout = time.Duration(d.CycleTimeoutSeconds) * time.Second
	cfg.Workers = d.OCRWorkers
	return cfg
}

// ParseOptions returns the validator options.
func (d *Document) ParseOptions() (reading.Options, error) {
	table, err := reading.ConfusionsFromStrings(d.OCRSettings.Confusions)
	if err != nil {
		return reading.Options{}, &Error{"ocr_settings.confusions", err.Error()}
	}
	return reading.Options{Confusions: table, ImpliedDecimals: d.OCRSettings.ImpliedDecimals}, nil
}

// Plan returns the regions and settings for one capture cycle.
// The document is validated on load and on every update, so the
// confusion table always converts.
func (d *Document) Plan() capture.Plan {
	opts, _ := d.ParseOptions()
	return capture.Plan{
		Regions:  roi.Clone(d.ROIs),
		Settings: d.OCRSettings.Settings,
		Range:    d.TemperatureRange,
		Parse:    opts,
	}
}

// PersistConfig returns the Persister configuration.
func (d *Document) PersistConfig() persist.Config {
	cfg := persist.DefaultConfig()
	cfg.CameraID = d.CameraID
	if d.InfluxDB.Measurement != "" {
		cfg.Measurement = d.InfluxDB.Measurement
	}
	cfg.QueueSize = d.Store.RetryQueueSize
	cfg.RetryInterval = time.Duration(d.Store.RetryIntervalSeconds) * time.Second
	cfg.FailureThreshold = d.Store.FailureThreshold
	return cfg
}

// InfluxConfig returns the InfluxDB writer configuration.
func (d *Document) InfluxConfig() influx.Config {
	cfg := d.InfluxDB
	if cfg.Timeout == 0 {
		cfg.Timeout = influx.DefaultConfig().Timeout
	}
	return cfg
}

// ClickHouseConfig returns the ClickHouse writer configuration.
func (d *Document) ClickHouseConfig() clickhouse.Config {
	cfg := d.ClickHouse
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = clickhouse.DefaultConfig().DialTimeout
	}
	return cfg
}
