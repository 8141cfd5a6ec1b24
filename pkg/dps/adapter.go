package dps

import (
	"fmt"
	"math"
	"time"

	"github.com/kmiikki/dpslog/pkg/transport"
	"github.com/kmiikki/dpslog/pkg/units"
)

// SourceTag identifies the device in sample records.
const SourceTag = "DPS8000"

// Sample is one timestamped acquisition attempt. It is produced once
// and never mutated; a failed read yields Pressure NaN and an error tag
// in Source.
type Sample struct {
	WallTime time.Time
	Perf     float64 // monotonic seconds, shared process clock
	Pressure float64
	Unit     units.Unit
	Source   string
	Raw      string // *Z text when raw diagnostics are enabled
}

// PressureSource yields samples for the acquisition loop. The real
// Adapter implements it; tests substitute deterministic fakes.
type PressureSource interface {
	ReadSample() Sample
}

var _ PressureSource = (*Adapter)(nil)

// AdapterConfig composes the device link with unit handling.
// DeviceUnit is requested from the hardware (U command); TargetUnit is
// what samples report, converted through the canonical bar table.
type AdapterConfig struct {
	Device     Config     `yaml:"device"`
	DeviceUnit units.Unit `yaml:"device_unit"`
	TargetUnit units.Unit `yaml:"target_unit"`
	WithRaw    bool       `yaml:"with_raw"`
}

// Adapter turns device client reads into Sample records. Device
// failures never propagate past ReadSample; they become NaN samples
// with a structured error tag.
type Adapter struct {
	cfg    AdapterConfig
	client *Client
	perf   func() float64
}

// NewAdapter builds an adapter around a fresh client. perf supplies
// monotonic seconds and is shared with the scheduler so t_perf values
// line up across the log.
func NewAdapter(cfg AdapterConfig, perf func() float64) (*Adapter, error) {
	if cfg.DeviceUnit == "" {
		cfg.DeviceUnit = units.Bar
	}
	if cfg.TargetUnit == "" {
		cfg.TargetUnit = cfg.DeviceUnit
	}
	for _, u := range []units.Unit{cfg.DeviceUnit, cfg.TargetUnit} {
		if !units.Valid(string(u)) {
			return nil, &ConfigError{Field: "unit", Reason: fmt.Sprintf("unsupported unit %q", u)}
		}
	}
	cfg.Device.Unit = cfg.DeviceUnit
	client, err := New(cfg.Device)
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, client: client, perf: perf}, nil
}

// Open connects to the configured serial port.
func (a *Adapter) Open() error {
	return a.client.Connect()
}

// OpenWith attaches to an already-open transport.
func (a *Adapter) OpenWith(conn transport.Conn) error {
	return a.client.ConnectTo(conn)
}

// Close releases the device link.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Identify returns the device identity string.
func (a *Adapter) Identify() (string, error) {
	return a.client.Identify()
}

// Client exposes the underlying device client for tooling.
func (a *Adapter) Client() *Client {
	return a.client
}

// ReadSample performs one acquisition. The monotonic timestamp is
// captured immediately before the device read.
func (a *Adapter) ReadSample() Sample {
	s := Sample{
		WallTime: time.Now(),
		Perf:     a.perf(),
		Unit:     a.cfg.TargetUnit,
		Source:   SourceTag,
	}
	v, err := a.client.ReadPressure()
	if err != nil {
		s.Pressure = math.NaN()
		s.Source = fmt.Sprintf("%s_ERR:%v", SourceTag, err)
		if a.cfg.WithRaw {
			s.Raw = fmt.Sprintf("ERR:%v", err)
		}
		return s
	}
	s.Pressure = units.Convert(v, a.cfg.DeviceUnit, a.cfg.TargetUnit)
	if a.cfg.WithRaw {
		raw, err := a.client.ReadRaw()
		if err != nil {
			raw = fmt.Sprintf("RAW_ERR:%v", err)
		}
		s.Raw = raw
	}
	return s
}
