// Package mqtt mirrors capture results to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-anipill/internal/log"
	"github.com/teslashibe/go-anipill/pkg/reading"
)

// QoS used for result messages.
const QoS = 1

// Config holds broker parameters.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// DefaultConfig returns a disabled config pointing at a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:   "tcp://localhost:1883",
		ClientID: "anipill",
		Topic:    "anipill/readings",
	}
}

// Validate checks the config when the mirror is enabled.
func (c *Config) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var errors []string
	if c.Broker == "" {
		errors = append(errors, "broker is required")
	}
	if c.Topic == "" || strings.ContainsAny(c.Topic, "+#") {
		errors = append(errors, "topic must be set and contain no wildcards")
	}
	return errors
}

// Message is the JSON payload published for each capture.
type Message struct {
	CameraID  string            `json:"camera_id"`
	CaptureID string            `json:"capture_id"`
	Timestamp time.Time         `json:"timestamp"`
	Readings  []reading.Reading `json:"readings"`
}

// Publisher sends capture results to <topic>/<camera_id>.
type Publisher struct {
	client paho.Client
	cfg    Config
	log    *slog.Logger
}

// Connect dials the broker. The client reconnects on its own afterwards.
func Connect(cfg Config) (*Publisher, error) {
	logger := log.Component("mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("connected to broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		// ConnectRetry keeps trying in the background.
		logger.Warn("broker not reachable yet, retrying in background", "broker", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}

	return NewPublisher(client, cfg), nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client paho.Client, cfg Config) *Publisher {
	return &Publisher{client: client, cfg: cfg, log: log.Component("mqtt")}
}

// Topic returns the topic for a camera.
func (p *Publisher) Topic(cameraID string) string {
	return strings.TrimSuffix(p.cfg.Topic, "/") + "/" + cameraID
}

// Publish sends b. Debug images are never published.
func (p *Publisher) Publish(ctx context.Context, cameraID string, b reading.Batch) error {
	msg := Message{
		CameraID:  cameraID,
		CaptureID: b.ID,
		Timestamp: b.Timestamp,
		Readings:  make([]reading.Reading, len(b.Readings)),
	}
	for i, r := range b.Readings {
		msg.Readings[i] = r.WithoutDebug()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: marshal: %w", err)
	}

	topic := p.Topic(cameraID)
	token := p.client.Publish(topic, QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}

	p.log.Debug("published capture", "topic", topic, "capture_id", b.ID, "readings", len(b.Readings))
	return nil
}

// Connected reports the client's connection state.
func (p *Publisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	if p.client == nil {
		return errors.New("mqtt: not connected")
	}
	p.client.Disconnect(250)
	return nil
}
