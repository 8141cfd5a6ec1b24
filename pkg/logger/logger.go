// Package logger runs the acquisition loop: drift-corrected scheduling,
// pressure and CPU-thermal sampling, and atomic CSV rows. Device faults
// are recovered as NaN rows; only sink failures are fatal.
package logger

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/kmiikki/dpslog/pkg/dps"
	"github.com/kmiikki/dpslog/pkg/logfile"
	"github.com/kmiikki/dpslog/pkg/metrics"
	"github.com/kmiikki/dpslog/pkg/publish"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/thermal"
)

// Defaults for the acquisition loop.
const (
	DefaultInterval   = time.Second
	DefaultPrefix     = "dps"
	DefaultSep        = ","
	DefaultErrSep     = ", "
	DefaultSyncDigits = 4
)

// tsLayout renders wall timestamps as ISO-8601 with offset and
// microsecond precision.
const tsLayout = "2006-01-02T15:04:05.000000-07:00"

// Options configures one logging run.
type Options struct {
	Interval   time.Duration
	Dir        string
	Prefix     string
	Sep        string
	ErrSep     string
	WithRaw    bool
	FlushEvery int

	// SyncDigits is the decimal resolution of the whole-second
	// synchronization before the first cycle; 0 skips the sync.
	SyncDigits int
}

func (o *Options) fillDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Sep == "" {
		o.Sep = DefaultSep
	}
	if o.ErrSep == "" {
		o.ErrSep = DefaultErrSep
	}
}

// Header returns the fixed CSV column order. The raw column is present
// only when raw diagnostics logging is enabled.
func Header(withRaw bool) []string {
	h := []string{
		"ts_iso", "t_perf", "pressure", "unit", "source",
		"cpu_temp_c", "arm_freq_hz", "throttled_raw",
	}
	if withRaw {
		h = append(h, "raw")
	}
	return h
}

// Runner ties a pressure source, a thermal reader and the sinks to the
// scheduler. Metrics and Publisher are optional.
type Runner struct {
	opts  Options
	src   dps.PressureSource
	therm thermal.Reader
	clock *sched.Clock
	gate  *sched.Gate

	Metrics   *metrics.Metrics
	Publisher *publish.Publisher

	// now supplies the CSV rotation clock; nil means wall time.
	now func() time.Time
}

// New builds a runner. The clock must be the same instance the pressure
// source stamps samples with.
func New(opts Options, src dps.PressureSource, therm thermal.Reader, clock *sched.Clock, gate *sched.Gate) *Runner {
	opts.fillDefaults()
	if therm == nil {
		therm = thermal.Null{}
	}
	return &Runner{opts: opts, src: src, therm: therm, clock: clock, gate: gate}
}

// Run executes measurement cycles until a stop is requested. It
// returns the number of rows written. A non-nil error means a fatal
// sink failure; device faults never stop the loop.
func (r *Runner) Run() (int, error) {
	data, err := logfile.NewWriter(logfile.CSVConfig{
		Dir:        r.opts.Dir,
		Prefix:     r.opts.Prefix,
		Sep:        r.opts.Sep,
		Headers:    Header(r.opts.WithRaw),
		FlushEvery: r.opts.FlushEvery,
		Now:        r.now,
	})
	if err != nil {
		return 0, err
	}
	defer data.Close()

	errLog, err := logfile.NewErrorLog(r.opts.Dir, "error.log", r.opts.ErrSep)
	if err != nil {
		return 0, err
	}
	defer errLog.Close()

	if r.opts.SyncDigits > 0 {
		log.Printf("Synchronizing time.")
		sched.SyncToSecond(r.opts.SyncDigits)
	}

	ticker := sched.NewTicker(r.clock, r.opts.Interval)
	ticker.Start()

	count := 0
	for !r.gate.StopRequested() {
		r.gate.Begin()
		cycleStart := r.clock.Now()

		s := r.src.ReadSample()
		th := r.therm.ReadSample()

		if err := data.WriteRecord(r.record(s, th)); err != nil {
			r.logError(errLog, count, "fatal: "+err.Error())
			r.gate.End()
			return count, fmt.Errorf("csv sink failed: %w", err)
		}
		count++

		if math.IsNaN(s.Pressure) {
			r.logError(errLog, count, s.Source)
		}
		r.observe(s, r.clock.Now()-cycleStart)

		if stopPending := r.gate.End(); stopPending {
			break
		}
		ticker.Wait()
	}
	return count, nil
}

// record assembles one CSV row from the pressure and thermal samples.
func (r *Runner) record(s dps.Sample, th thermal.Sample) map[string]string {
	rec := map[string]string{
		"ts_iso":        s.WallTime.Format(tsLayout),
		"t_perf":        strconv.FormatFloat(s.Perf, 'f', 6, 64),
		"pressure":      formatOrEmpty(s.Pressure, 6),
		"unit":          string(s.Unit),
		"source":        s.Source,
		"cpu_temp_c":    formatOrEmpty(th.CPUTempC, 2),
		"arm_freq_hz":   formatOrEmpty(th.ARMFreqHz, 0),
		"throttled_raw": strconv.FormatInt(th.ThrottledRaw, 10),
	}
	if r.opts.WithRaw {
		rec["raw"] = s.Raw
	}
	return rec
}

func (r *Runner) observe(s dps.Sample, cycleSeconds float64) {
	if m := r.Metrics; m != nil {
		m.Cycles.Inc()
		m.RowsWritten.Inc()
		m.CycleSeconds.Observe(cycleSeconds)
		if math.IsNaN(s.Pressure) {
			m.DeviceErrors.Inc()
		} else {
			m.Pressure.Set(s.Pressure)
		}
	}
	if p := r.Publisher; p != nil {
		if err := p.Publish(s); err != nil {
			log.Printf("mqtt publish failed: %v", err)
		}
	}
}

func (r *Runner) logError(errLog *logfile.ErrorLog, measurement int, msg string) {
	if err := errLog.Write(time.Now(), measurement, msg); err != nil {
		log.Printf("error sink failed: %v (event: %s)", err, msg)
	}
}

// formatOrEmpty renders a float with fixed precision, mapping NaN to an
// empty CSV field.
func formatOrEmpty(v float64, prec int) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}
