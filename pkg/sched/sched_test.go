package sched

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	prev := c.Now()
	for i := 0; i < 100; i++ {
		now := c.Now()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

// Cycle work must not accumulate as schedule drift: after N cycles with
// random work shorter than the interval, total elapsed time stays
// within one interval of N*interval.
func TestTickerDriftBound(t *testing.T) {
	const (
		n        = 50
		interval = 20 * time.Millisecond
	)
	clock := NewClock()
	ticker := NewTicker(clock, interval)
	rng := rand.New(rand.NewSource(7))

	start := clock.Now()
	ticker.Start()
	for i := 0; i < n; i++ {
		// Simulated measurement work: 0..15 ms.
		time.Sleep(time.Duration(rng.Int63n(int64(15 * time.Millisecond))))
		ticker.Wait()
	}
	elapsed := clock.Now() - start

	want := float64(n) * interval.Seconds()
	assert.InDelta(t, want, elapsed, interval.Seconds())
	assert.Equal(t, n, ticker.Count())
}

// A cycle that overruns its interval must not sleep; the schedule
// catches up at the next deadlines instead of shifting the reference.
func TestTickerOverrun(t *testing.T) {
	const interval = 10 * time.Millisecond
	clock := NewClock()
	ticker := NewTicker(clock, interval)

	ticker.Start()
	time.Sleep(3 * interval)

	start := clock.Now()
	ticker.Wait()
	assert.Less(t, clock.Now()-start, interval.Seconds()/2, "overrun cycle must not sleep")
}

func TestGateDefersStopWhileBusy(t *testing.T) {
	g := NewGate()

	g.Begin()
	require.True(t, g.Busy())

	// Stop requested mid-cycle only sets the flag.
	g.RequestStop()
	assert.True(t, g.Busy(), "stop request must not interrupt a running cycle")
	assert.True(t, g.StopRequested())

	stopPending := g.End()
	assert.True(t, stopPending, "deferred stop must surface at the idle point")
	assert.False(t, g.Busy())
}

func TestGateIdleByDefault(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Busy())
	assert.False(t, g.StopRequested())

	g.Begin()
	assert.False(t, g.End(), "no stop requested")
}

func TestSecFractionRange(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := SecFraction(4)
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
	}
}
