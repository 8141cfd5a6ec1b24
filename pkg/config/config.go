// Package config loads and saves the application configuration for the
// datalogger and the simulator. Missing files and missing fields fall
// back to defaults; command-line flags override loaded values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kmiikki/dpslog/pkg/dps"
	"github.com/kmiikki/dpslog/pkg/logger"
	"github.com/kmiikki/dpslog/pkg/publish"
	"github.com/kmiikki/dpslog/pkg/signal"
	"github.com/kmiikki/dpslog/pkg/sim"
	"github.com/kmiikki/dpslog/pkg/units"
)

// Config represents the application configuration.
type Config struct {
	Logger  LoggerConfig      `yaml:"logger"`
	Adapter dps.AdapterConfig `yaml:"adapter"`
	Sim     sim.Config        `yaml:"sim"`
	Signal  signal.Config     `yaml:"signal"`
	Metrics MetricsConfig     `yaml:"metrics"`
	MQTT    publish.Config    `yaml:"mqtt"`
}

// LoggerConfig contains the acquisition loop parameters.
type LoggerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Dir        string        `yaml:"dir"`
	Prefix     string        `yaml:"prefix"`
	Sep        string        `yaml:"csv_sep"`
	ErrSep     string        `yaml:"err_csv_sep"`
	WithRaw    bool          `yaml:"with_raw"`
	FlushEvery int           `yaml:"flush_every"`
	SyncDigits int           `yaml:"sync_digits"`
}

// MetricsConfig contains the optional Prometheus listener address.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{
			Interval:   logger.DefaultInterval,
			Dir:        "data",
			Prefix:     logger.DefaultPrefix,
			Sep:        logger.DefaultSep,
			ErrSep:     logger.DefaultErrSep,
			FlushEvery: 50,
			SyncDigits: logger.DefaultSyncDigits,
		},
		Adapter: dps.AdapterConfig{
			Device:     dps.DefaultConfig(),
			DeviceUnit: units.Bar,
			TargetUnit: units.Bar,
		},
		Sim:    sim.DefaultConfig(),
		Signal: signal.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist
// or fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks enumerated and range-limited fields.
func (c *Config) Validate() error {
	if c.Logger.Interval <= 0 {
		return fmt.Errorf("logger interval must be positive, got %v", c.Logger.Interval)
	}
	if c.Logger.FlushEvery < 1 {
		return fmt.Errorf("flush_every must be >= 1, got %d", c.Logger.FlushEvery)
	}
	if err := c.Adapter.Device.Validate(); err != nil {
		return err
	}
	for _, u := range []units.Unit{c.Adapter.DeviceUnit, c.Adapter.TargetUnit} {
		if u != "" && !units.Valid(string(u)) {
			return fmt.Errorf("unsupported unit %q", u)
		}
	}
	if err := c.Sim.Validate(); err != nil {
		return err
	}
	if c.Signal.Mode != "" {
		if _, err := signal.ParseMode(string(c.Signal.Mode)); err != nil {
			return err
		}
	}
	return nil
}

// ensureDefaults fills required fields that are missing from the file.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Logger.Interval == 0 {
		c.Logger.Interval = def.Logger.Interval
	}
	if c.Logger.Dir == "" {
		c.Logger.Dir = def.Logger.Dir
	}
	if c.Logger.Prefix == "" {
		c.Logger.Prefix = def.Logger.Prefix
	}
	if c.Logger.Sep == "" {
		c.Logger.Sep = def.Logger.Sep
	}
	if c.Logger.ErrSep == "" {
		c.Logger.ErrSep = def.Logger.ErrSep
	}
	if c.Logger.FlushEvery == 0 {
		c.Logger.FlushEvery = def.Logger.FlushEvery
	}
	if c.Logger.SyncDigits == 0 {
		c.Logger.SyncDigits = def.Logger.SyncDigits
	}

	if c.Adapter.Device.Port == "" {
		c.Adapter.Device.Port = def.Adapter.Device.Port
	}
	if c.Adapter.Device.Baud == 0 {
		c.Adapter.Device.Baud = def.Adapter.Device.Baud
	}
	if c.Adapter.DeviceUnit == "" {
		c.Adapter.DeviceUnit = def.Adapter.DeviceUnit
	}
	if c.Adapter.TargetUnit == "" {
		c.Adapter.TargetUnit = c.Adapter.DeviceUnit
	}

	if c.Sim.Port == "" {
		c.Sim.Port = def.Sim.Port
	}
	if c.Sim.Baud == 0 {
		c.Sim.Baud = def.Sim.Baud
	}
	if c.Sim.Unit == "" {
		c.Sim.Unit = def.Sim.Unit
	}
	if c.Sim.RateHz == 0 {
		c.Sim.RateHz = def.Sim.RateHz
	}
	if c.Sim.TempC == 0 {
		c.Sim.TempC = def.Sim.TempC
	}

	if c.Signal.Mode == "" {
		c.Signal = def.Signal
	}
}
