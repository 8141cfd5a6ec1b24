package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmiikki/dpslog/pkg/proto"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/signal"
	"github.com/kmiikki/dpslog/pkg/transport"
	"github.com/kmiikki/dpslog/pkg/units"
)

const replyWait = 200 * time.Millisecond

// newTestSim attaches a simulator with a constant signal to a pipe and
// returns it together with a line reader on the peer end.
func newTestSim(t *testing.T, cfg Config, bar float64) (*Simulator, *transport.LineReader) {
	t.Helper()
	a, b := transport.Pipe()

	clock := sched.NewClock()
	sig := signal.New(signal.Config{Mode: signal.ModeConst, Offset: bar}, clock.Now)
	s, err := New(cfg, sig, clock)
	require.NoError(t, err)
	s.Attach(b)

	t.Cleanup(func() {
		s.Close()
		a.Close()
		b.Close()
	})
	return s, transport.NewLineReader(a)
}

func TestIdentify(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.0)

	s.HandleLine("I")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, Identity, got)
}

func TestMeasurementCommands(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.25)

	s.HandleLine("R")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "1.250000", got)

	s.HandleLine("*G")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "1.250000,bar", got)

	s.HandleLine("*T")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "25.00,C", got)

	s.HandleLine("*Z")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	_, _, err = proto.ParsePair(got)
	assert.NoError(t, err)
}

// Switching the unit rescales measurement replies; the signal model
// itself always runs in bar.
func TestUnitSwitchRescalesReplies(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.25)

	s.HandleLine("U,kPa")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "U,kPa", got)

	s.HandleLine("*G")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	v, u, err := proto.ParseValueUnit(got)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, v, 1e-4)
	assert.True(t, units.Equal(u, "kPa"))
}

// With a non-zero address the simulator answers its own address and
// unprefixed lines, and stays silent for other addresses.
func TestAddressFiltering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = 5
	s, rd := newTestSim(t, cfg, 1.0)

	s.HandleLine("3:*G")
	_, err := rd.ReadLine(50 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout, "foreign address must be dropped silently")

	s.HandleLine("5:*G")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "1.000000,bar", got)

	s.HandleLine("*G")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "1.000000,bar", got)
}

func TestAddressEchoInReply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = 7
	cfg.EchoAddr = true
	s, rd := newTestSim(t, cfg, 1.0)

	s.HandleLine("7:*G")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "7:1.000000,bar", got)
}

func TestSetAddressCommand(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.0)

	s.HandleLine("N,9")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "N,9", got)

	// The new address takes effect immediately.
	s.HandleLine("4:*G")
	_, err = rd.ReadLine(50 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	s.HandleLine("9:I")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, Identity, got)
}

func TestStepCommands(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.0)

	s.HandleLine("S,P2,1.8")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "S,OK,P2,1.8", got)

	// Tau is clamped to a positive floor; the reply reports the
	// accepted value.
	s.HandleLine("S,TAU,-5")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	v, _, err := proto.ParseValueUnit(got[len("S,OK,TAU,"):])
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)

	s.HandleLine("S,MODE,sine")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "S,OK,MODE,sine", got)

	s.HandleLine("S,MODE,triangle")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "S,ERR,BAD_MODE", got)

	s.HandleLine("S,GAIN,2")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "S,ERR,BAD_KEY", got)

	s.HandleLine("S,P2,not-a-number")
	got, err = rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "S,ERR", got)
}

func TestUnknownCommandErr(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.0)

	for _, line := range []string{"Q", "U,atm", "N,77", "A,2"} {
		s.HandleLine(line)
		got, err := rd.ReadLine(replyWait)
		require.NoError(t, err, "line %q", line)
		assert.Equal(t, proto.ErrToken, got, "line %q", line)
	}
}

// Autosend streams measurements at the configured rate until switched
// off with A,0.
func TestAutosend(t *testing.T) {
	s, rd := newTestSim(t, DefaultConfig(), 1.5)

	s.HandleLine("A,1")
	got, err := rd.ReadLine(replyWait)
	require.NoError(t, err)
	assert.Equal(t, "A,1", got)

	// Default rate is 1 Hz; the first frame is sent immediately.
	got, err = rd.ReadLine(time.Second)
	require.NoError(t, err)
	v, u, err := proto.ParseValueUnit(got)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-6)
	assert.Equal(t, "bar", u)

	s.HandleLine("A,0")
	// The stream may still deliver frames queued before the switch.
	require.NoError(t, rd.Discard())

	_, err = rd.ReadLine(300 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout, "autosend must stop after A,0")
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, transport.DefaultBaudRate, cfg.Baud)
	assert.Equal(t, units.Bar, cfg.Unit)
	assert.Equal(t, 1.0, cfg.RateHz)

	bad := Config{Addr: 32}
	assert.Error(t, bad.Validate())
	bad = Config{Unit: "atm"}
	assert.Error(t, bad.Validate())
}
