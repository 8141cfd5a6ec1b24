// Command dpsstep runs a dynamic step test against the DPS8000
// simulator: it samples pressure at a fixed rate while retargeting the
// settle transition to random setpoints, logging readings and step
// events into a rotating CSV.
package main

import (
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kmiikki/dpslog/pkg/dps"
	"github.com/kmiikki/dpslog/pkg/logfile"
	"github.com/kmiikki/dpslog/pkg/sched"
	"github.com/kmiikki/dpslog/pkg/units"
)

var headers = []string{
	"ts_iso", "t_perf", "pressure", "unit", "source",
	"event", "target_p2_bar", "tau_s",
}

const tsLayout = "2006-01-02T15:04:05.000000-07:00"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		portFlag    = flag.String("port", "/dev/ttyLOG", "Reader RS-485 port")
		baudFlag    = flag.Int("baud", 9600, "Baud rate")
		rateFlag    = flag.Float64("rate", 2.0, "Sample rate in Hz")
		pminFlag    = flag.Float64("pmin", 0.6, "Random p2 lower bound (bar)")
		pmaxFlag    = flag.Float64("pmax", 1.8, "Random p2 upper bound (bar)")
		tauminFlag  = flag.Float64("taumin", 8.0, "Random tau lower bound (s)")
		taumaxFlag  = flag.Float64("taumax", 45.0, "Random tau upper bound (s)")
		stepminFlag = flag.Float64("stepmin", 10.0, "Min seconds between steps")
		stepmaxFlag = flag.Float64("stepmax", 30.0, "Max seconds between steps")
		prefixFlag  = flag.String("prefix", "dyn", "CSV filename prefix")
		dirFlag     = flag.String("dir", ".", "Output directory")
	)
	flag.Parse()

	clock := sched.NewClock()
	cfg := dps.DefaultConfig()
	cfg.Port = *portFlag
	cfg.Baud = *baudFlag

	client, err := dps.New(cfg)
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}
	if err := client.Connect(); err != nil {
		log.Printf("Failed to connect: %v", err)
		return 1
	}
	defer client.Close()

	csv, err := logfile.NewWriter(logfile.CSVConfig{
		Dir: *dirFlag, Prefix: *prefixFlag, Headers: headers,
	})
	if err != nil {
		log.Printf("Failed to create CSV writer: %v", err)
		return 1
	}
	defer csv.Close()

	gate := sched.NewGate()
	sigs := make(chan os.Signal, 1)
	ossignal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		gate.RequestStop()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	interval := time.Duration(float64(time.Second) / math.Max(1e-6, *rateFlag))
	ticker := sched.NewTicker(clock, interval)
	ticker.Start()

	nextStep := clock.Now() + randBetween(rng, *stepminFlag, *stepmaxFlag)
	targetP2, tau := math.NaN(), math.NaN()

	for !gate.StopRequested() {
		rec := map[string]string{
			"ts_iso": time.Now().Format(tsLayout),
			"t_perf": strconv.FormatFloat(clock.Now(), 'f', 6, 64),
			"unit":   string(units.Bar),
			"source": dps.SourceTag,
		}
		if v, err := client.ReadPressure(); err != nil {
			rec["pressure"] = ""
			rec["source"] = dps.SourceTag + "_ERR:" + err.Error()
		} else {
			rec["pressure"] = strconv.FormatFloat(v, 'f', 6, 64)
		}

		if clock.Now() >= nextStep {
			targetP2 = randBetween(rng, *pminFlag, *pmaxFlag)
			tau = randBetween(rng, *tauminFlag, *taumaxFlag)
			if err := client.StepTau(tau); err != nil {
				log.Printf("S,TAU failed: %v", err)
			}
			if err := client.StepTarget(targetP2); err != nil {
				log.Printf("S,P2 failed: %v", err)
			}
			rec["event"] = "step"
			nextStep = clock.Now() + randBetween(rng, *stepminFlag, *stepmaxFlag)
		}
		if !math.IsNaN(targetP2) {
			rec["target_p2_bar"] = strconv.FormatFloat(targetP2, 'f', 4, 64)
			rec["tau_s"] = strconv.FormatFloat(tau, 'f', 2, 64)
		}

		if err := csv.WriteRecord(rec); err != nil {
			log.Printf("CSV write failed: %v", err)
			return 2
		}
		ticker.Wait()
	}
	log.Printf("Stopped. Rows written: %d", csv.Rows())
	return 0
}

func randBetween(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}
