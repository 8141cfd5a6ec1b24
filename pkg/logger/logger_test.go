package logger

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmiikki/dpslog/pkg/dps"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/signal"
	"github.com/kmiikki/dpslog/pkg/sim"
	"github.com/kmiikki/dpslog/pkg/transport"
	"github.com/kmiikki/dpslog/pkg/units"
)

// fakeSource yields deterministic samples and requests a stop after a
// fixed number of reads. failAt marks reads that simulate device faults.
type fakeSource struct {
	clock  *sched.Clock
	gate   *sched.Gate
	limit  int
	failAt map[int]bool
	n      int
}

func (f *fakeSource) ReadSample() dps.Sample {
	f.n++
	if f.n >= f.limit {
		f.gate.RequestStop()
	}
	s := dps.Sample{
		WallTime: time.Now(),
		Perf:     f.clock.Now(),
		Pressure: 1.5 - 0.1*float64(f.n),
		Unit:     units.Bar,
		Source:   dps.SourceTag,
	}
	if f.failAt[f.n] {
		s.Pressure = math.NaN()
		s.Source = dps.SourceTag + "_ERR:read timeout"
	}
	return s
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		rows = append(rows, strings.Split(line, ","))
	}
	return rows
}

func testOptions(dir string) Options {
	return Options{
		Interval:   20 * time.Millisecond,
		Dir:        dir,
		Prefix:     "dps",
		FlushEvery: 1,
		SyncDigits: 0,
	}
}

func TestRunnerWritesRows(t *testing.T) {
	dir := t.TempDir()
	clock := sched.NewClock()
	gate := sched.NewGate()
	src := &fakeSource{clock: clock, gate: gate, limit: 5}

	r := New(testOptions(dir), src, nil, clock, gate)
	n, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	files, err := filepath.Glob(filepath.Join(dir, "dps_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows := readCSV(t, files[0])
	require.Len(t, rows, 6)
	assert.Equal(t, Header(false), rows[0])

	prevPerf := -1.0
	for i, row := range rows[1:] {
		require.Len(t, row, len(Header(false)))
		perf, err := strconv.ParseFloat(row[1], 64)
		require.NoError(t, err)
		assert.Greater(t, perf, prevPerf, "t_perf must increase")
		prevPerf = perf

		p, err := strconv.ParseFloat(row[2], 64)
		require.NoError(t, err)
		assert.InDelta(t, 1.5-0.1*float64(i+1), p, 1e-9)
		assert.Equal(t, "bar", row[3])
		assert.Equal(t, dps.SourceTag, row[4])
	}
}

// A device fault produces a NaN row and an error-log entry; the loop
// keeps running.
func TestRunnerRecoversDeviceFault(t *testing.T) {
	dir := t.TempDir()
	clock := sched.NewClock()
	gate := sched.NewGate()
	src := &fakeSource{clock: clock, gate: gate, limit: 4, failAt: map[int]bool{2: true}}

	r := New(testOptions(dir), src, nil, clock, gate)
	n, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	files, err := filepath.Glob(filepath.Join(dir, "dps_*.csv"))
	require.NoError(t, err)
	rows := readCSV(t, files[0])
	require.Len(t, rows, 5)

	// Row 2 carries an empty pressure field and the error tag.
	assert.Equal(t, "", rows[2][2])
	assert.Contains(t, rows[2][4], "_ERR:")

	errData, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	errLines := strings.Split(strings.TrimRight(string(errData), "\n"), "\n")
	require.Len(t, errLines, 2)
	assert.Equal(t, "Datetime, Measurement, Event", errLines[0])
	assert.Contains(t, errLines[1], "_ERR:")
}

// An unusable output directory is a fatal sink failure.
func TestRunnerFatalOnBadDir(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "occupied")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	clock := sched.NewClock()
	gate := sched.NewGate()
	src := &fakeSource{clock: clock, gate: gate, limit: 1}

	r := New(testOptions(blocked), src, nil, clock, gate)
	_, err := r.Run()
	assert.Error(t, err)
}

// Full path: simulator behind an in-memory link, adapter, scheduler and
// CSV sink. The logged pressures follow the settle transition.
func TestRunnerEndToEnd(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	clock := sched.NewClock()
	sig := signal.New(signal.Config{Mode: signal.ModeSettle, P1: 1.5, P2: 1.0, Tau: 30}, clock.Now)
	s, err := sim.New(sim.DefaultConfig(), sig, clock)
	require.NoError(t, err)
	s.Attach(b)
	go func() { _ = s.Serve() }()
	defer s.Close()

	ad, err := dps.NewAdapter(dps.AdapterConfig{
		Device: dps.Config{
			Port:        "mem",
			Unit:        units.Bar,
			AutosendOff: true,
			IOTimeout:   time.Second,
			Backoff:     time.Millisecond,
		},
	}, clock.Now)
	require.NoError(t, err)
	require.NoError(t, ad.OpenWith(a))
	defer ad.Close()

	dir := t.TempDir()
	gate := sched.NewGate()
	r := New(testOptions(dir), &stopAfter{src: ad, gate: gate, limit: 5}, nil, clock, gate)

	n, err := r.Run()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	files, err := filepath.Glob(filepath.Join(dir, "dps_*.csv"))
	require.NoError(t, err)
	rows := readCSV(t, files[0])
	require.Len(t, rows, 6)

	prev := math.Inf(1)
	for _, row := range rows[1:] {
		p, err := strconv.ParseFloat(row[2], 64)
		require.NoError(t, err)
		assert.Greater(t, p, 1.0)
		assert.LessOrEqual(t, p, 1.5)
		assert.LessOrEqual(t, p, prev, "settle transition decays monotonically")
		prev = p
		assert.Equal(t, "bar", row[3])
	}
}

// stopAfter wraps a source and requests a stop after limit reads. When
// stepAt is set, it retargets the simulator after that read.
type stopAfter struct {
	src    *dps.Adapter
	gate   *sched.Gate
	limit  int
	stepAt int
	stepTo float64
	n      int
}

func (w *stopAfter) ReadSample() dps.Sample {
	w.n++
	if w.n >= w.limit {
		w.gate.RequestStop()
	}
	s := w.src.ReadSample()
	if w.stepAt != 0 && w.n == w.stepAt {
		if err := w.src.Client().StepTarget(w.stepTo); err != nil {
			s.Source = "STEP_ERR:" + err.Error()
		}
	}
	return s
}

// A mid-run retarget changes the trend of subsequent rows without a
// discontinuity: the settle transition restarts from the current value.
func TestRunnerMidRunStep(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	clock := sched.NewClock()
	sig := signal.New(signal.Config{Mode: signal.ModeSettle, P1: 1.5, P2: 1.0, Tau: 30}, clock.Now)
	s, err := sim.New(sim.DefaultConfig(), sig, clock)
	require.NoError(t, err)
	s.Attach(b)
	go func() { _ = s.Serve() }()
	defer s.Close()

	ad, err := dps.NewAdapter(dps.AdapterConfig{
		Device: dps.Config{
			Port:        "mem",
			Unit:        units.Bar,
			AutosendOff: true,
			IOTimeout:   time.Second,
			Backoff:     time.Millisecond,
		},
	}, clock.Now)
	require.NoError(t, err)
	require.NoError(t, ad.OpenWith(a))
	defer ad.Close()

	dir := t.TempDir()
	gate := sched.NewGate()
	src := &stopAfter{src: ad, gate: gate, limit: 10, stepAt: 5, stepTo: 1.8}
	r := New(testOptions(dir), src, nil, clock, gate)

	n, err := r.Run()
	require.NoError(t, err)
	require.Equal(t, 10, n)

	files, err := filepath.Glob(filepath.Join(dir, "dps_*.csv"))
	require.NoError(t, err)
	rows := readCSV(t, files[0])
	require.Len(t, rows, 11)

	pressures := make([]float64, 0, 10)
	for _, row := range rows[1:] {
		require.Equal(t, dps.SourceTag, row[4])
		p, err := strconv.ParseFloat(row[2], 64)
		require.NoError(t, err)
		pressures = append(pressures, p)
	}
	// Short cycles against a 30 s tau keep per-row deltas tiny; a jump
	// at the step would show up as a large consecutive delta.
	for i := 1; i < len(pressures); i++ {
		assert.Less(t, math.Abs(pressures[i]-pressures[i-1]), 0.01,
			"row %d jumps from %g to %g", i, pressures[i-1], pressures[i])
	}
	// Decaying toward 1.0 before the step, rising toward 1.8 after it.
	assert.Less(t, pressures[4], pressures[0])
	assert.Greater(t, pressures[9], pressures[5])
}

func TestHeader(t *testing.T) {
	assert.Equal(t, []string{
		"ts_iso", "t_perf", "pressure", "unit", "source",
		"cpu_temp_c", "arm_freq_hz", "throttled_raw",
	}, Header(false))
	assert.Contains(t, Header(true), "raw")
}
