package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads the document at path. A missing file yields the defaults.
// A .env file in the working directory is loaded first if present, then
// environment overrides are applied on top of the file.
func Load(path string) (Document, error) {
	_ = godotenv.Load()

	doc := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Document{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, &Error{Msg: fmt.Sprintf("parse %s: %v", path, err)}
		}
	}

	if err := applyEnv(&doc); err != nil {
		return Document{}, err
	}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Save writes doc to path atomically.
func Save(path string, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	// Write to temp file first, then rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

// applyEnv overrides endpoints and secrets from the environment.
func applyEnv(d *Document) error {
	d.StreamURL = getEnv("ANIPILL_STREAM_URL", d.StreamURL)

	d.InfluxDB.Host = getEnv("INFLUX_HOST", d.InfluxDB.Host)
	port, err := getEnvInt("INFLUX_PORT", d.InfluxDB.Port)
	if err != nil {
		return &Error{"INFLUX_PORT", err.Error()}
	}
	d.InfluxDB.Port = port
	d.InfluxDB.Password = getEnv("INFLUX_PASSWORD", d.InfluxDB.Password)

	d.ClickHouse.Addr = getEnv("CLICKHOUSE_ADDR", d.ClickHouse.Addr)
	d.ClickHouse.Password = getEnv("CLICKHOUSE_PASSWORD", d.ClickHouse.Password)

	d.MQTT.Broker = getEnv("MQTT_BROKER", d.MQTT.Broker)
	d.MQTT.Password = getEnv("MQTT_PASSWORD", d.MQTT.Password)
	return nil
}

// getEnv returns the variable or fallback if unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("must be an integer, got %q", v)
	}
	return n, nil
}
