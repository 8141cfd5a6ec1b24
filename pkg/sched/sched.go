// Package sched provides the drift-corrected interval scheduler and the
// stop gate that coordinates asynchronous stop requests with in-flight
// measurement cycles.
package sched

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock yields monotonically increasing seconds since its creation.
// One Clock instance is shared by every component that stamps samples
// so their timescales agree.
type Clock struct {
	start time.Time
}

// NewClock starts a new monotonic clock at zero.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns seconds elapsed since the clock was created.
func (c *Clock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// SecFraction returns the wall clock's sub-second fraction rounded to
// the given number of decimals.
func SecFraction(resolution int) float64 {
	frac := float64(time.Now().UnixNano()%1e9) / 1e9
	scale := math.Pow(10, float64(resolution))
	return math.Round(frac*scale) / scale
}

// SyncToSecond busy-waits until the wall clock crosses a whole second
// at the given decimal resolution. The measurement loop starts aligned
// to the second so wall timestamps land on round values.
func SyncToSecond(resolution int) {
	for SecFraction(resolution) != 0 {
	}
}

// Ticker advances an absolute reference deadline by exact interval
// multiples. Cycle execution time never accumulates as schedule drift:
// the next deadline is reference + interval*count regardless of how
// long each cycle took.
type Ticker struct {
	clock    *Clock
	interval time.Duration
	ref      float64
	count    int
}

// NewTicker creates a ticker on the shared clock. Call Start at the
// synchronization point, before the first cycle.
func NewTicker(clock *Clock, interval time.Duration) *Ticker {
	return &Ticker{clock: clock, interval: interval}
}

// Start records the reference deadline at the current instant.
func (t *Ticker) Start() {
	t.ref = t.clock.Now()
	t.count = 0
}

// Count returns the number of completed cycles.
func (t *Ticker) Count() int {
	return t.count
}

// Wait marks the current cycle complete and sleeps until its deadline.
// If the cycle overran the interval the residual is negative and no
// sleep occurs; the schedule catches up without moving the reference.
func (t *Ticker) Wait() {
	t.count++
	deadline := t.ref + t.interval.Seconds()*float64(t.count)
	residual := deadline - t.clock.Now()
	if residual > 0 {
		time.Sleep(time.Duration(residual * float64(time.Second)))
	}
}

// Gate coordinates stop requests with measurement cycles. A stop
// requested while the gate is busy is deferred: it only sets a flag,
// consumed at the next idle point, so no partially written row and no
// abandoned in-flight command can result.
type Gate struct {
	busy atomic.Bool
	stop atomic.Bool
}

// NewGate returns an idle gate.
func NewGate() *Gate {
	return &Gate{}
}

// Begin marks a measurement cycle in progress.
func (g *Gate) Begin() {
	g.busy.Store(true)
}

// End marks the cycle complete and returns true when a stop request is
// pending. The caller must not start another cycle if End reports a
// pending stop.
func (g *Gate) End() (stopPending bool) {
	g.busy.Store(false)
	return g.stop.Load()
}

// RequestStop asks the loop to stop at the next safe point.
func (g *Gate) RequestStop() {
	g.stop.Store(true)
}

// StopRequested reports whether a stop has been requested.
func (g *Gate) StopRequested() bool {
	return g.stop.Load()
}

// Busy reports whether a measurement cycle is in progress.
func (g *Gate) Busy() bool {
	return g.busy.Load()
}
