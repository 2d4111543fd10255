// Package clickhouse writes temperature points to a ClickHouse table.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/teslashibe/go-anipill/pkg/persist"
)

// Config holds ClickHouse connection parameters.
type Config struct {
	Addr     string `json:"addr"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Table    string `json:"table"`

	DialTimeout time.Duration `json:"-"`
}

// DefaultConfig returns a config for a local server.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:9000",
		Database:    "default",
		Username:    "default",
		Table:       "sensor_temperature",
		DialTimeout: 5 * time.Second,
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks if the config values are within valid ranges.
func (c *Config) Validate() []string {
	var errors []string
	if c.Addr == "" {
		errors = append(errors, "addr is required")
	}
	if !identRe.MatchString(c.Table) {
		errors = append(errors, "table must be a plain identifier")
	}
	return errors
}

// CreateTableSQL returns the DDL for the points table.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(3),
			measurement LowCardinality(String),
			camera_id LowCardinality(String),
			sensor_id LowCardinality(String),
			sensor_name String,
			temperature Float64
		) ENGINE = MergeTree()
		ORDER BY (sensor_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 2 YEAR
	`, table)
}

// Writer implements persist.Writer on a ClickHouse connection.
type Writer struct {
	cfg  Config
	conn driver.Conn

	insertSQL string
}

// New opens a connection and creates the table if needed.
func New(ctx context.Context, cfg Config) (*Writer, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("clickhouse: invalid config: %s", errs[0])
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	w := &Writer{
		cfg:  cfg,
		conn: conn,
		insertSQL: fmt.Sprintf(
			"INSERT INTO %s (timestamp, measurement, camera_id, sensor_id, sensor_name, temperature) VALUES (?, ?, ?, ?, ?, ?)",
			cfg.Table),
	}

	if err := conn.Exec(ctx, CreateTableSQL(cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}
	return w, nil
}

// Name implements persist.Writer.
func (w *Writer) Name() string { return "clickhouse" }

// Write inserts one row.
func (w *Writer) Write(ctx context.Context, p persist.Point) error {
	return w.conn.Exec(ctx, w.insertSQL,
		p.Time,
		p.Measurement,
		p.Tags[persist.TagCameraID],
		p.Tags[persist.TagSensorID],
		p.Tags[persist.TagSensorName],
		p.Value,
	)
}

// Ping checks the connection.
func (w *Writer) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// Close closes the connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}
