// Package dps implements the DPS8000 RS-485 ASCII device client and the
// sample adapter that converts its readings into log records.
package dps

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/kmiikki/dpslog/pkg/proto"
	"github.com/kmiikki/dpslog/pkg/transport"
	"github.com/kmiikki/dpslog/pkg/units"
)

// Defaults for the device client.
const (
	DefaultPort         = "/dev/ttyLOG"
	DefaultRetries      = 2
	DefaultIOTimeout    = 500 * time.Millisecond
	DefaultWriteSettle  = 50 * time.Millisecond
	DefaultRetryBackoff = 50 * time.Millisecond
)

// Config describes the device link. It is validated at construction and
// mutated afterwards only through explicit protocol commands the device
// has confirmed.
type Config struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	Unit        units.Unit    `yaml:"unit"`
	Address     int           `yaml:"address"` // 0 = direct mode
	AutosendOff bool          `yaml:"autosend_off"`
	Retries     int           `yaml:"retries"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
	WriteSettle time.Duration `yaml:"write_settle"`
	Backoff     time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns the standard DPS8000 link settings.
func DefaultConfig() Config {
	return Config{
		Port:        DefaultPort,
		Baud:        transport.DefaultBaudRate,
		Unit:        units.Bar,
		AutosendOff: true,
		Retries:     DefaultRetries,
		IOTimeout:   DefaultIOTimeout,
		WriteSettle: DefaultWriteSettle,
		Backoff:     DefaultRetryBackoff,
	}
}

// Validate checks field ranges and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.Port == "" {
		return &ConfigError{Field: "port", Reason: "must not be empty"}
	}
	if c.Baud == 0 {
		c.Baud = transport.DefaultBaudRate
	}
	if c.Unit == "" {
		c.Unit = units.Bar
	} else if !units.Valid(string(c.Unit)) {
		return &ConfigError{Field: "unit", Reason: fmt.Sprintf("unsupported unit %q", c.Unit)}
	}
	if c.Address < 0 || c.Address > 31 {
		return &ConfigError{Field: "address", Reason: "must be 0..31"}
	}
	if c.Retries < 0 {
		return &ConfigError{Field: "retries", Reason: "must be >= 0"}
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.WriteSettle < 0 {
		c.WriteSettle = DefaultWriteSettle
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultRetryBackoff
	}
	return nil
}

// Client is a half-duplex DPS8000 protocol client. Each public call
// sends exactly one command and waits for exactly one reply before the
// next may be issued; concurrent callers serialize on an internal lock.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	conn    transport.Conn
	rd      *transport.LineReader
	ownConn bool
}

// New creates a client for the given link configuration.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// Connect opens the serial port and runs the initialization sequence:
// addressing mode, unit, and autosend state.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	conn, err := transport.Open(c.cfg.Port, c.cfg.Baud)
	if err != nil {
		return &TransportError{Op: "open " + c.cfg.Port, Err: err}
	}
	c.conn = conn
	c.rd = transport.NewLineReader(conn)
	c.ownConn = true
	return c.initLocked()
}

// ConnectTo attaches the client to an already-open transport, for use
// against in-memory links and in tests.
func (c *Client) ConnectTo(conn transport.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	c.conn = conn
	c.rd = transport.NewLineReader(conn)
	c.ownConn = false
	return c.initLocked()
}

// initLocked issues the open-time configuration commands.
func (c *Client) initLocked() error {
	if _, err := c.commandLocked(proto.Command{Name: proto.CmdAddress, Args: []string{strconv.Itoa(c.cfg.Address)}}); err != nil {
		return err
	}
	if _, err := c.commandLocked(proto.Command{Name: proto.CmdUnit, Args: []string{string(c.cfg.Unit)}}); err != nil {
		return err
	}
	if c.cfg.AutosendOff {
		if _, err := c.commandLocked(proto.Command{Name: proto.CmdAutosend, Args: []string{"0"}}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the transport. A port opened by Connect is closed;
// an attached transport is left to its owner.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	var err error
	if c.ownConn {
		err = c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
	return err
}

// Config returns a snapshot of the client's configuration mirror.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Identify returns the device identity string (command I).
func (c *Client) Identify() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandLocked(proto.Command{Name: proto.CmdIdentify})
}

// SetUnit switches the device pressure unit (command U). The cached
// unit is updated only after the device's echo confirms the change.
func (c *Client) SetUnit(u units.Unit) error {
	if !units.Valid(string(u)) {
		return &ConfigError{Field: "unit", Reason: fmt.Sprintf("unsupported unit %q", u)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := proto.Command{Name: proto.CmdUnit, Args: []string{string(u)}}
	if err := c.confirmLocked(cmd); err != nil {
		return err
	}
	c.cfg.Unit = u
	return nil
}

// SetAutosend enables or disables autosend mode (command A).
func (c *Client) SetAutosend(on bool) error {
	arg := "0"
	if on {
		arg = "1"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := proto.Command{Name: proto.CmdAutosend, Args: []string{arg}}
	if err := c.confirmLocked(cmd); err != nil {
		return err
	}
	c.cfg.AutosendOff = !on
	return nil
}

// SetDirectMode switches the device to direct (unaddressed) mode.
func (c *Client) SetDirectMode() error {
	return c.SetAddress(0)
}

// SetAddress switches the device network address (command N). Address 0
// is direct mode.
func (c *Client) SetAddress(addr int) error {
	if addr < 0 || addr > 31 {
		return &ConfigError{Field: "address", Reason: "must be 0..31"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := proto.Command{Name: proto.CmdAddress, Args: []string{strconv.Itoa(addr)}}
	if err := c.confirmLocked(cmd); err != nil {
		return err
	}
	c.cfg.Address = addr
	return nil
}

// ReadPressure reads the pressure with unit (command *G) and returns
// the value in the configured unit. A reply carrying a different unit
// fails with UnitMismatchError.
func (c *Client) ReadPressure() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := proto.Command{Name: proto.CmdReadUnit}
	reply, err := c.commandLocked(cmd)
	if err != nil {
		return 0, err
	}
	v, unit, err := proto.ParseValueUnit(reply)
	if err != nil {
		return 0, &ProtocolError{Cmd: cmd.Encode(), Reply: reply, Reason: "unparseable measurement"}
	}
	if unit != "" && !units.Equal(unit, string(c.cfg.Unit)) {
		return 0, &UnitMismatchError{Device: unit, Configured: string(c.cfg.Unit)}
	}
	return v, nil
}

// ReadRaw returns the raw diagnostic reply (command *Z) unmodified.
func (c *Client) ReadRaw() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandLocked(proto.Command{Name: proto.CmdReadRaw})
}

// StepTarget retargets the simulator's settle transition (S,P2).
func (c *Client) StepTarget(p2 float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.commandLocked(proto.Command{
		Name: proto.CmdStep,
		Args: []string{proto.StepP2, strconv.FormatFloat(p2, 'f', -1, 64)},
	})
	return err
}

// StepTau sets the simulator's settle time constant (S,TAU).
func (c *Client) StepTau(tau float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.commandLocked(proto.Command{
		Name: proto.CmdStep,
		Args: []string{proto.StepTau, strconv.FormatFloat(tau, 'f', -1, 64)},
	})
	return err
}

// StepMode switches the simulator's signal model (S,MODE).
func (c *Client) StepMode(mode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.commandLocked(proto.Command{
		Name: proto.CmdStep,
		Args: []string{proto.StepMode, mode},
	})
	return err
}

// confirmLocked sends a configuration command and checks that the
// device echoed it back verbatim.
func (c *Client) confirmLocked(cmd proto.Command) error {
	want := cmd.Encode()
	reply, err := c.commandLocked(cmd)
	if err != nil {
		return err
	}
	// The echo never carries the address prefix the request did.
	_, wantBody := proto.SplitAddr(want)
	if reply != wantBody {
		return &ProtocolError{Cmd: want, Reply: reply, Reason: "unexpected echo"}
	}
	return nil
}

// commandLocked applies the bounded retry policy around one exchange:
// up to Retries additional attempts with linear backoff, failing with
// the last cause once exhausted.
func (c *Client) commandLocked(cmd proto.Command) (string, error) {
	if c.conn == nil {
		return "", &TransportError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	cmd.Addr = c.cfg.Address
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries+1; attempt++ {
		reply, err := c.txrxLocked(cmd)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		time.Sleep(c.cfg.Backoff * time.Duration(attempt))
	}
	return "", lastErr
}

// txrxLocked performs a single half-duplex exchange. The input buffer
// is cleared before the send so stale bytes from a prior failed
// exchange cannot be mistaken for the new reply.
func (c *Client) txrxLocked(cmd proto.Command) (string, error) {
	wire := cmd.Encode()
	if err := c.rd.Discard(); err != nil {
		return "", &TransportError{Op: "flush input", Err: err}
	}
	if err := transport.WriteLine(c.conn, wire); err != nil {
		return "", &TransportError{Op: "send " + wire, Err: err}
	}
	if c.cfg.WriteSettle > 0 {
		time.Sleep(c.cfg.WriteSettle)
	}
	reply, err := c.rd.ReadLine(c.cfg.IOTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) || errors.Is(err, io.EOF) {
			return "", &TransportError{Op: "await reply to " + wire, Err: err}
		}
		return "", &TransportError{Op: "read reply to " + wire, Err: err}
	}
	if c.cfg.Address != 0 {
		// Address echo in replies is optional; strip it when present.
		_, reply = proto.SplitAddr(reply)
	}
	if reply == "" {
		return "", &ProtocolError{Cmd: wire, Reply: reply, Reason: "empty reply"}
	}
	if proto.IsErr(reply) {
		return "", &ProtocolError{Cmd: wire, Reply: reply, Reason: "device reported ERR"}
	}
	return reply, nil
}
