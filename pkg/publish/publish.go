// Package publish mirrors logged samples to an MQTT broker so live
// dashboards can follow the acquisition without touching the CSV files.
package publish

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kmiikki/dpslog/pkg/dps"
)

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 5 * time.Second

// Config describes the broker connection.
type Config struct {
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883; empty disables publishing
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// message is the JSON wire shape of one published sample.
type message struct {
	TsISO    string   `json:"ts_iso"`
	TPerf    float64  `json:"t_perf"`
	Pressure *float64 `json:"pressure"` // null when the reading failed
	Unit     string   `json:"unit"`
	Source   string   `json:"source"`
}

// Publisher sends samples to one topic on one broker.
type Publisher struct {
	cfg    Config
	client mqtt.Client
}

// New connects to the broker. An empty broker URL is a configuration
// error; callers should skip construction instead.
func New(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker URL must not be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dpslog"
	}
	if cfg.Topic == "" {
		cfg.Topic = "dpslog/pressure"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return &Publisher{cfg: cfg, client: client}, nil
}

// Publish sends one sample as JSON.
func (p *Publisher) Publish(s dps.Sample) error {
	msg := message{
		TsISO:  s.WallTime.Format(time.RFC3339Nano),
		TPerf:  s.Perf,
		Unit:   string(s.Unit),
		Source: s.Source,
	}
	if !math.IsNaN(s.Pressure) {
		v := s.Pressure
		msg.Pressure = &v
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize sample: %w", err)
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.cfg.Topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
