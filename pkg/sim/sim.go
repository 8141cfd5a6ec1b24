// Package sim implements a DPS8000 protocol peer: a line-oriented
// command dispatcher plus an optional autosend timer, sharing one
// serial handle. It stands in for the physical RS-485 sensor so the
// driver and scheduler can be validated without hardware.
package sim

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/kmiikki/dpslog/pkg/proto"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/signal"
	"github.com/kmiikki/dpslog/pkg/transport"
	"github.com/kmiikki/dpslog/pkg/units"
)

// Identity is the reply to the I command.
const Identity = "DPS8000 SIM, FW 1.0, RS485 ASCII, 0-2 bar abs"

// servePoll bounds one read inside the dispatch loop.
const servePoll = 100 * time.Millisecond

// Config holds the simulated device state. Unit, address and autosend
// flag are mutated at runtime by the corresponding protocol commands.
type Config struct {
	Port            string     `yaml:"port"`
	Baud            int        `yaml:"baud"`
	Unit            units.Unit `yaml:"unit"`
	Addr            int        `yaml:"address"`
	Autosend        bool       `yaml:"autosend"`
	RateHz          float64    `yaml:"autosend_rate_hz"`
	TempC           float64    `yaml:"temp_c"`
	TempDriftPerMin float64    `yaml:"temp_drift_c_per_min"`
	EchoAddr        bool       `yaml:"echo_address_in_reply"`
}

// DefaultConfig returns the factory device state.
func DefaultConfig() Config {
	return Config{
		Port:   "/dev/ttySIM",
		Baud:   transport.DefaultBaudRate,
		Unit:   units.Bar,
		RateHz: 1.0,
		TempC:  25.0,
	}
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Baud == 0 {
		c.Baud = transport.DefaultBaudRate
	}
	if c.Unit == "" {
		c.Unit = units.Bar
	} else if !units.Valid(string(c.Unit)) {
		return fmt.Errorf("unsupported unit %q", c.Unit)
	}
	if c.Addr < 0 || c.Addr > 31 {
		return fmt.Errorf("address must be 0..31, got %d", c.Addr)
	}
	if c.RateHz <= 0 {
		c.RateHz = 1.0
	}
	return nil
}

// Simulator is the protocol peer. The dispatch loop and the autosend
// timer are independent goroutines sharing the transport under a write
// lock, so no two writers interleave bytes on the wire.
type Simulator struct {
	mu       sync.Mutex // device state
	cfg      Config
	lastTemp float64 // clock time of the last temperature drift update

	sig   *signal.Signal
	clock *sched.Clock

	wmu     sync.Mutex // wire writes
	conn    transport.Conn
	ownConn bool

	asMu   sync.Mutex // autosend lifecycle
	asStop chan struct{}
	asDone chan struct{}
}

// New creates a simulator around the given signal model and clock.
func New(cfg Config, sig *signal.Signal, clock *sched.Clock) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		cfg:      cfg,
		sig:      sig,
		clock:    clock,
		lastTemp: clock.Now(),
	}, nil
}

// Open opens the configured serial port and starts autosend if enabled.
func (s *Simulator) Open() error {
	conn, err := transport.Open(s.cfg.Port, s.cfg.Baud)
	if err != nil {
		return err
	}
	s.attach(conn, true)
	return nil
}

// Attach connects the simulator to an already-open transport.
func (s *Simulator) Attach(conn transport.Conn) {
	s.attach(conn, false)
}

func (s *Simulator) attach(conn transport.Conn, own bool) {
	s.conn = conn
	s.ownConn = own
	if s.cfg.Autosend {
		s.startAutosend()
	}
}

// Close stops autosend and releases the transport.
func (s *Simulator) Close() error {
	s.stopAutosend()
	if s.conn == nil {
		return nil
	}
	var err error
	if s.ownConn {
		err = s.conn.Close()
	}
	return err
}

// Serve reads raw bytes, splits them on CR or LF, and feeds each
// non-empty line to the command handler. It returns nil once the peer
// closes the link.
func (s *Simulator) Serve() error {
	rd := transport.NewLineReader(s.conn)
	for {
		line, err := rd.ReadLine(servePoll)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.HandleLine(line)
	}
}

// HandleLine dispatches one inbound command line. With a non-zero
// configured address, commands prefixed with a different address are
// silently dropped; unprefixed commands are accepted.
func (s *Simulator) HandleLine(line string) {
	s.mu.Lock()
	myAddr := s.cfg.Addr
	s.mu.Unlock()

	if myAddr != 0 {
		if addr, body := proto.SplitAddr(line); addr != 0 {
			if addr != myAddr {
				return
			}
			line = body
		}
	}

	cmd, err := proto.ParseCommand(line)
	if err != nil {
		s.reply(proto.ErrToken)
		return
	}

	switch cmd.Name {
	case proto.CmdIdentify:
		s.reply(Identity)
	case proto.CmdAddress:
		s.handleAddress(cmd.Args)
	case proto.CmdUnit:
		s.handleUnit(cmd.Args)
	case proto.CmdAutosend:
		s.handleAutosend(cmd.Args)
	case proto.CmdRead:
		r, _ := s.measurementStrings()
		s.reply(r)
	case proto.CmdReadUnit:
		_, g := s.measurementStrings()
		s.reply(g)
	case proto.CmdReadTemp:
		s.reply(proto.FormatTemp(s.currentTemp()))
	case proto.CmdReadRaw:
		s.reply(s.rawDiagnostic())
	case proto.CmdStep:
		s.handleStep(cmd.Args)
	default:
		s.reply(proto.ErrToken)
	}
}

func (s *Simulator) handleAddress(args []string) {
	if len(args) != 1 {
		s.reply(proto.ErrToken)
		return
	}
	addr, err := strconv.Atoi(args[0])
	if err != nil || addr < 0 || addr > 31 {
		s.reply(proto.ErrToken)
		return
	}
	s.mu.Lock()
	s.cfg.Addr = addr
	s.mu.Unlock()
	s.reply(fmt.Sprintf("%s,%d", proto.CmdAddress, addr))
}

func (s *Simulator) handleUnit(args []string) {
	if len(args) != 1 {
		s.reply(proto.ErrToken)
		return
	}
	u, err := units.Parse(args[0])
	if err != nil {
		s.reply(proto.ErrToken)
		return
	}
	s.mu.Lock()
	s.cfg.Unit = u
	s.mu.Unlock()
	s.reply(fmt.Sprintf("%s,%s", proto.CmdUnit, u))
}

func (s *Simulator) handleAutosend(args []string) {
	if len(args) != 1 {
		s.reply(proto.ErrToken)
		return
	}
	switch args[0] {
	case "0":
		s.mu.Lock()
		s.cfg.Autosend = false
		s.mu.Unlock()
		s.stopAutosend()
		s.reply(proto.CmdAutosend + ",0")
	case "1":
		s.mu.Lock()
		s.cfg.Autosend = true
		s.mu.Unlock()
		s.reply(proto.CmdAutosend + ",1")
		s.startAutosend()
	default:
		s.reply(proto.ErrToken)
	}
}

func (s *Simulator) handleStep(args []string) {
	if len(args) != 2 {
		s.reply(proto.StepErr(""))
		return
	}
	key, val := args[0], args[1]
	switch key {
	case proto.StepP2:
		p2, err := strconv.ParseFloat(val, 64)
		if err != nil {
			s.reply(proto.StepErr(""))
			return
		}
		s.sig.StepTo(p2)
		s.reply(proto.StepOK(proto.StepP2, val))
	case proto.StepTau:
		tau, err := strconv.ParseFloat(val, 64)
		if err != nil {
			s.reply(proto.StepErr(""))
			return
		}
		clamped := s.sig.SetTau(tau)
		s.reply(proto.StepOK(proto.StepTau, strconv.FormatFloat(clamped, 'f', -1, 64)))
	case proto.StepMode:
		mode, err := s.sig.SetMode(val)
		if err != nil {
			s.reply(proto.StepErr(proto.StepBadMode))
			return
		}
		s.reply(proto.StepOK(proto.StepMode, string(mode)))
	default:
		s.reply(proto.StepErr(proto.StepBadKey))
	}
}

// measurementStrings renders the R and *G reply bodies for the current
// signal value, converted from bar into the device's active unit.
func (s *Simulator) measurementStrings() (r, g string) {
	pBar := s.sig.Value(s.clock.Now())
	s.mu.Lock()
	unit := s.cfg.Unit
	s.mu.Unlock()
	p := units.FromBar(pBar, unit)
	return proto.FormatValue(p), proto.FormatValueUnit(p, string(unit))
}

// currentTemp applies the configured drift since the last reading.
func (s *Simulator) currentTemp() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	dtMin := (now - s.lastTemp) / 60.0
	if s.cfg.TempDriftPerMin != 0 && dtMin > 0 {
		s.cfg.TempC += s.cfg.TempDriftPerMin * dtMin
		s.lastTemp = now
	}
	return s.cfg.TempC
}

// rawDiagnostic synthesizes the *Z frequency/diagnostic pair as slow
// sinusoids around the device's nominal operating point.
func (s *Simulator) rawDiagnostic() string {
	t := s.clock.Now()
	f := 32000.0 + 500.0*math.Sin(2*math.Pi*0.01*t)
	dv := 450.0 + 5.0*math.Sin(2*math.Pi*0.005*t)
	return proto.FormatPair(f, dv)
}

// reply serializes one outbound line, prefixing the address when
// address echo is enabled.
func (s *Simulator) reply(body string) {
	s.mu.Lock()
	if s.cfg.Addr != 0 && s.cfg.EchoAddr {
		body = proto.WithAddr(s.cfg.Addr, body)
	}
	s.mu.Unlock()
	s.sendLine(body)
}

func (s *Simulator) sendLine(body string) {
	if s.conn == nil {
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := transport.WriteLine(s.conn, body); err != nil {
		log.Printf("sim: write failed: %v", err)
	}
}

// startAutosend launches the measurement timer if it is not running.
// The timer shares the wire with the command path through sendLine's
// write lock and keeps a drift-corrected cadence.
func (s *Simulator) startAutosend() {
	s.asMu.Lock()
	defer s.asMu.Unlock()
	if s.asStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.asStop = stop
	s.asDone = done

	s.mu.Lock()
	rate := s.cfg.RateHz
	s.mu.Unlock()
	period := 1.0 / math.Max(1e-6, rate)

	go func() {
		defer close(done)
		next := s.clock.Now()
		for {
			_, g := s.measurementStrings()
			s.reply(g)
			next += period
			residual := next - s.clock.Now()
			if residual <= 0 {
				select {
				case <-stop:
					return
				default:
				}
				continue
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Duration(residual * float64(time.Second))):
			}
		}
	}()
}

// stopAutosend halts the timer and waits for it to exit.
func (s *Simulator) stopAutosend() {
	s.asMu.Lock()
	stop, done := s.asStop, s.asDone
	s.asStop, s.asDone = nil, nil
	s.asMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
