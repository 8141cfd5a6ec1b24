// Package signal implements the simulator's analog pressure model: a
// steppable generator evaluated as a pure function of elapsed time.
package signal

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Mode selects the generator shape.
type Mode string

const (
	ModeSine   Mode = "sine"
	ModeSaw    Mode = "saw"
	ModeSettle Mode = "settle"
	ModeNoise  Mode = "noise"
	ModeConst  Mode = "const"
)

// minTau keeps the settle time constant strictly positive.
const minTau = 1e-6

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSine, ModeSaw, ModeSettle, ModeNoise, ModeConst:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown signal mode %q", s)
}

// Config holds the generator parameters. All pressures are in bar.
type Config struct {
	Mode      Mode    `yaml:"mode"`
	Offset    float64 `yaml:"offset"`
	Amplitude float64 `yaml:"amplitude"`
	FreqHz    float64 `yaml:"freq_hz"`
	P1        float64 `yaml:"p1"`
	P2        float64 `yaml:"p2"`
	Tau       float64 `yaml:"tau_s"`
	NoiseStd  float64 `yaml:"noise_std"`
}

// DefaultConfig mirrors the simulator's factory state: a settle
// transition from 1.5 to 1.0 bar with a 30 s time constant.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeSettle,
		Offset:    1.0,
		Amplitude: 0.2,
		FreqHz:    0.05,
		P1:        1.5,
		P2:        1.0,
		Tau:       30.0,
		NoiseStd:  0.01,
	}
}

// Signal evaluates the configured waveform against a monotonic clock.
// Value is pure in elapsed time since t0; step commands re-anchor t0.
type Signal struct {
	mu  sync.Mutex
	cfg Config
	t0  float64
	now func() float64
	rng *rand.Rand
}

// New creates a Signal anchored at the current instant of now. The
// clock is injected so tests can step time deterministically.
func New(cfg Config, now func() float64) *Signal {
	return &Signal{
		cfg: cfg,
		t0:  now(),
		now: now,
		rng: rand.New(rand.NewSource(1)),
	}
}

// Config returns a snapshot of the current parameters.
func (s *Signal) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Value evaluates the signal at absolute clock time t (bar).
func (s *Signal) Value(t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueLocked(t)
}

// ValueNow evaluates the signal at the current instant (bar).
func (s *Signal) ValueNow() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valueLocked(s.now())
}

func (s *Signal) valueLocked(t float64) float64 {
	c := s.cfg
	switch c.Mode {
	case ModeConst:
		return c.Offset
	case ModeSine:
		return c.Offset + c.Amplitude*math.Sin(2*math.Pi*c.FreqHz*(t-s.t0))
	case ModeSaw:
		phase := math.Mod((t-s.t0)*c.FreqHz, 1.0)
		if phase < 0 {
			phase += 1.0
		}
		return c.Offset + c.Amplitude*(2.0*phase-1.0)
	case ModeNoise:
		return c.Offset + s.rng.NormFloat64()*c.NoiseStd
	case ModeSettle:
		dt := math.Max(0, t-s.t0)
		return c.P2 + (c.P1-c.P2)*math.Exp(-dt/math.Max(minTau, c.Tau))
	}
	return c.Offset
}

// StepTo retargets the settle transition. The current output becomes
// the new starting point before the target is overwritten, so the
// signal is continuous at the instant of the step.
func (s *Signal) StepTo(p2New float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.cfg.P1 = s.valueLocked(now)
	s.cfg.P2 = p2New
	s.t0 = now
}

// SetTau updates the settle time constant and re-anchors t0. The value
// is clamped to stay positive; the clamped value is returned.
func (s *Signal) SetTau(tau float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Tau = math.Max(minTau, tau)
	s.t0 = s.now()
	return s.cfg.Tau
}

// SetMode switches the waveform and re-anchors t0.
func (s *Signal) SetMode(name string) (Mode, error) {
	mode, err := ParseMode(name)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Mode = mode
	s.t0 = s.now()
	return mode, nil
}
