// Package metrics exposes acquisition counters over Prometheus. The
// listener is optional; when no address is configured the collectors
// still run and cost nothing beyond a few atomic adds.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the datalogger's Prometheus collectors on a private
// registry so multiple instances in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Cycles       prometheus.Counter
	RowsWritten  prometheus.Counter
	DeviceErrors prometheus.Counter
	Pressure     prometheus.Gauge
	CycleSeconds prometheus.Histogram
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpslog_cycles_total",
			Help: "Completed measurement cycles.",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpslog_rows_written_total",
			Help: "Data rows appended to the CSV sink.",
		}),
		DeviceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpslog_device_errors_total",
			Help: "Acquisition attempts that produced a NaN sample.",
		}),
		Pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpslog_pressure",
			Help: "Last pressure reading in the configured target unit.",
		}),
		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dpslog_cycle_seconds",
			Help:    "Duration of one measurement cycle including sink writes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	m.registry.MustRegister(m.Cycles, m.RowsWritten, m.DeviceErrors, m.Pressure, m.CycleSeconds)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a scrape listener on addr. It returns once the listener
// fails; run it in its own goroutine.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
