// Command dpssim emulates a DPS8000 RS-485 pressure sensor on a serial
// port. It answers the full ASCII command set and can autosend
// measurements, driven by a configurable analog signal model.
package main

import (
	"flag"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/kmiikki/dpslog/pkg/config"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/signal"
	"github.com/kmiikki/dpslog/pkg/sim"
	"github.com/kmiikki/dpslog/pkg/units"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFlag   = flag.String("config", "dpslog.yaml", "Configuration file path")
		portFlag     = flag.String("port", "", "Serial port for the device side (e.g. /dev/ttySIM)")
		baudFlag     = flag.Int("baud", 0, "Baud rate")
		unitFlag     = flag.String("unit", "", "Pressure unit: bar, Pa, kPa, mbar or psi")
		addrFlag     = flag.Int("addr", -1, "Network address (0 = direct mode)")
		autosendFlag = flag.Bool("autosend", false, "Enable autosend at startup")
		rateFlag     = flag.Float64("rate", 0, "Autosend rate in Hz")
		tempFlag     = flag.Float64("temp", 0, "Simulated temperature in C")
		driftFlag    = flag.Float64("temp-drift", 0, "Temperature drift in C per minute")
		echoFlag     = flag.Bool("echo-addr", false, "Prefix replies with the device address")
		modeFlag     = flag.String("mode", "", "Signal mode: sine, saw, settle, noise or const")
		offsetFlag   = flag.Float64("offset", 0, "Signal offset (bar)")
		ampFlag      = flag.Float64("amplitude", 0, "Signal amplitude (bar)")
		freqFlag     = flag.Float64("freq", 0, "Signal frequency (Hz)")
		p1Flag       = flag.Float64("p1", 0, "Settle start pressure (bar)")
		p2Flag       = flag.Float64("p2", 0, "Settle target pressure (bar)")
		tauFlag      = flag.Float64("tau", 0, "Settle time constant (s)")
		noiseFlag    = flag.Float64("noise-std", 0, "Noise standard deviation (bar)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	if *portFlag != "" {
		cfg.Sim.Port = *portFlag
	}
	if *baudFlag != 0 {
		cfg.Sim.Baud = *baudFlag
	}
	if *unitFlag != "" {
		u, err := units.Parse(*unitFlag)
		if err != nil {
			log.Printf("Invalid unit: %v", err)
			return 1
		}
		cfg.Sim.Unit = u
	}
	if *addrFlag >= 0 {
		cfg.Sim.Addr = *addrFlag
	}
	if *autosendFlag {
		cfg.Sim.Autosend = true
	}
	if *rateFlag > 0 {
		cfg.Sim.RateHz = *rateFlag
	}
	if *tempFlag != 0 {
		cfg.Sim.TempC = *tempFlag
	}
	if *driftFlag != 0 {
		cfg.Sim.TempDriftPerMin = *driftFlag
	}
	if *echoFlag {
		cfg.Sim.EchoAddr = true
	}
	if *modeFlag != "" {
		mode, err := signal.ParseMode(*modeFlag)
		if err != nil {
			log.Printf("Invalid signal mode: %v", err)
			return 1
		}
		cfg.Signal.Mode = mode
	}
	if *offsetFlag != 0 {
		cfg.Signal.Offset = *offsetFlag
	}
	if *ampFlag != 0 {
		cfg.Signal.Amplitude = *ampFlag
	}
	if *freqFlag != 0 {
		cfg.Signal.FreqHz = *freqFlag
	}
	if *p1Flag != 0 {
		cfg.Signal.P1 = *p1Flag
	}
	if *p2Flag != 0 {
		cfg.Signal.P2 = *p2Flag
	}
	if *tauFlag != 0 {
		cfg.Signal.Tau = *tauFlag
	}
	if *noiseFlag != 0 {
		cfg.Signal.NoiseStd = *noiseFlag
	}

	clock := sched.NewClock()
	sig := signal.New(cfg.Signal, clock.Now)
	device, err := sim.New(cfg.Sim, sig, clock)
	if err != nil {
		log.Printf("Invalid simulator configuration: %v", err)
		return 1
	}
	if err := device.Open(); err != nil {
		log.Printf("Failed to open simulator port: %v", err)
		return 1
	}

	sigs := make(chan os.Signal, 1)
	ossignal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("Shutting down simulator.")
		device.Close()
	}()

	log.Printf("RS485 SIM on %s @ %d baud; addr=%d, unit=%s, autosend=%v",
		cfg.Sim.Port, cfg.Sim.Baud, cfg.Sim.Addr, cfg.Sim.Unit, cfg.Sim.Autosend)
	log.Printf("Mode=%s (p1=%g, p2=%g, tau=%g, offset=%g, amp=%g)",
		cfg.Signal.Mode, cfg.Signal.P1, cfg.Signal.P2, cfg.Signal.Tau,
		cfg.Signal.Offset, cfg.Signal.Amplitude)

	if err := device.Serve(); err != nil {
		log.Printf("Simulator stopped with error: %v", err)
		return 2
	}
	return 0
}
