// Command dpslog logs pressure from a DPS8000 RS-485 sensor together
// with host CPU thermal diagnostics into daily-rotating CSV files.
// Ctrl+C stops the logger at the next safe point between cycles.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kmiikki/dpslog/pkg/config"
	"github.com/kmiikki/dpslog/pkg/dps"
	"github.com/kmiikki/dpslog/pkg/logger"
	"github.com/kmiikki/dpslog/pkg/metrics"
	"github.com/kmiikki/dpslog/pkg/publish"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/thermal"
	"github.com/kmiikki/dpslog/pkg/units"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFlag   = flag.String("config", "dpslog.yaml", "Configuration file path")
		intervalFlag = flag.Float64("interval", 0, "Measurement interval in seconds (overrides config)")
		dirFlag      = flag.String("dir", "", "Output directory (overrides config)")
		prefixFlag   = flag.String("prefix", "", "Data log filename prefix (overrides config)")
		sepFlag      = flag.String("csv-sep", "", "CSV separator for measurement data (overrides config)")
		errSepFlag   = flag.String("err-csv-sep", "", "CSV separator for the error log (overrides config)")
		portFlag     = flag.String("port", "", "Serial port override (e.g. /dev/ttyLOG)")
		unitFlag     = flag.String("unit", "", "Pressure unit: bar, Pa, kPa, mbar or psi (overrides config)")
		withRawFlag  = flag.Bool("with-raw", false, "Read and log raw *Z diagnostics")
		metricsFlag  = flag.String("metrics-addr", "", "Prometheus listen address, e.g. :9100 (overrides config)")
		brokerFlag   = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	if *intervalFlag > 0 {
		cfg.Logger.Interval = time.Duration(*intervalFlag * float64(time.Second))
	}
	if *dirFlag != "" {
		cfg.Logger.Dir = *dirFlag
	}
	if *prefixFlag != "" {
		cfg.Logger.Prefix = *prefixFlag
	}
	if *sepFlag != "" {
		cfg.Logger.Sep = *sepFlag
	}
	if *errSepFlag != "" {
		cfg.Logger.ErrSep = *errSepFlag
	}
	if *portFlag != "" {
		cfg.Adapter.Device.Port = *portFlag
	}
	if *unitFlag != "" {
		u, err := units.Parse(*unitFlag)
		if err != nil {
			log.Printf("Invalid unit: %v", err)
			return 1
		}
		cfg.Adapter.DeviceUnit = u
		cfg.Adapter.TargetUnit = u
	}
	if *withRawFlag {
		cfg.Logger.WithRaw = true
	}
	if *metricsFlag != "" {
		cfg.Metrics.Addr = *metricsFlag
	}
	if *brokerFlag != "" {
		cfg.MQTT.Broker = *brokerFlag
	}
	cfg.Adapter.WithRaw = cfg.Logger.WithRaw

	clock := sched.NewClock()
	gate := sched.NewGate()

	adapter, err := dps.NewAdapter(cfg.Adapter, clock.Now)
	if err != nil {
		log.Printf("Invalid device configuration: %v", err)
		return 1
	}
	if err := adapter.Open(); err != nil {
		log.Printf("Failed to open device: %v", err)
		return 1
	}
	defer adapter.Close()

	if ident, err := adapter.Identify(); err != nil {
		log.Printf("DPS IDENT: IDENT_ERR:%v", err)
	} else {
		log.Printf("DPS IDENT: %s", ident)
	}
	log.Printf("Logging to %s with prefix %q, interval %v, unit %s, port %s",
		cfg.Logger.Dir, cfg.Logger.Prefix, cfg.Logger.Interval,
		cfg.Adapter.TargetUnit, cfg.Adapter.Device.Port)
	if cfg.Logger.WithRaw {
		log.Printf("RAW data logging: enabled (*Z).")
	}
	log.Printf("Stop with Ctrl+C (logger will finish current cycle before stopping).")

	runner := logger.New(logger.Options{
		Interval:   cfg.Logger.Interval,
		Dir:        cfg.Logger.Dir,
		Prefix:     cfg.Logger.Prefix,
		Sep:        cfg.Logger.Sep,
		ErrSep:     cfg.Logger.ErrSep,
		WithRaw:    cfg.Logger.WithRaw,
		FlushEvery: cfg.Logger.FlushEvery,
		SyncDigits: cfg.Logger.SyncDigits,
	}, adapter, thermal.VCGenCmd{}, clock, gate)

	if cfg.Metrics.Addr != "" {
		m := metrics.New()
		runner.Metrics = m
		go func() {
			if err := m.Serve(cfg.Metrics.Addr); err != nil {
				log.Printf("Metrics listener failed: %v", err)
			}
		}()
	}
	if cfg.MQTT.Broker != "" {
		pub, err := publish.New(cfg.MQTT)
		if err != nil {
			log.Printf("MQTT disabled: %v", err)
		} else {
			runner.Publisher = pub
			defer pub.Close()
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("Termination requested. Finishing current cycle...")
		gate.RequestStop()
	}()

	rows, err := runner.Run()
	if err != nil {
		log.Printf("Fatal: %v", err)
		return 2
	}
	log.Printf("Stopped. Total rows written: %d", rows)
	return 0
}
