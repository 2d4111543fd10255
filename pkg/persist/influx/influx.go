// Package influx writes temperature points to InfluxDB 1.x.
package influx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/teslashibe/go-anipill/pkg/persist"
)

// Config holds InfluxDB connection parameters.
type Config struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Database    string `json:"database"`
	Measurement string `json:"measurement"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`

	Timeout time.Duration `json:"-"`
}

// DefaultConfig returns a config for a local server.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        8086,
		Database:    "anipill",
		Measurement: "temperature",
		Timeout:     10 * time.Second,
	}
}

// Validate checks if the config values are within valid ranges.
func (c *Config) Validate() []string {
	var errors []string
	if c.Host == "" {
		errors = append(errors, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		errors = append(errors, "port must be between 1 and 65535")
	}
	if c.Database == "" {
		errors = append(errors, "database is required")
	}
	return errors
}

// Addr returns the HTTP endpoint for the server.
func (c Config) Addr() string {
	u := url.URL{Scheme: "http", Host: c.Host + ":" + strconv.Itoa(c.Port)}
	return u.String()
}

// Writer implements persist.Writer over the InfluxDB HTTP API.
type Writer struct {
	cfg Config
	c   client.Client
}

// New creates a writer. No request is made until Write or Ping.
func New(cfg Config) (*Writer, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("influx: invalid config: %s", errs[0])
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("influx: %w", err)
	}
	return &Writer{cfg: cfg, c: c}, nil
}

// Name implements persist.Writer.
func (w *Writer) Name() string { return "influxdb" }

// Write stores one point. A point whose Measurement is empty uses the
// configured measurement.
func (w *Writer) Write(ctx context.Context, p persist.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  w.cfg.Database,
		Precision: "ms",
	})
	if err != nil {
		return err
	}

	measurement := p.Measurement
	if measurement == "" {
		measurement = w.cfg.Measurement
	}
	pt, err := client.NewPoint(measurement, p.Tags,
		map[string]interface{}{persist.FieldTemperature: p.Value}, p.Time)
	if err != nil {
		return err
	}
	bp.AddPoint(pt)

	return w.do(ctx, func() error { return w.c.Write(bp) })
}

// Ping checks that the server answers.
func (w *Writer) Ping(ctx context.Context) error {
	timeout := w.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return w.do(ctx, func() error {
		_, _, err := w.c.Ping(timeout)
		return err
	})
}

// Close releases idle connections.
func (w *Writer) Close() error {
	return w.c.Close()
}

// do runs fn, returning early when ctx ends. The client has no context
// support; its own timeout bounds fn.
func (w *Writer) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
