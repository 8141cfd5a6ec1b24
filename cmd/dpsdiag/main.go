// Command dpsdiag runs loopback diagnostics between two serial ports,
// typically the logger side and the simulator side of an RS-485 link.
// It sends numbered test frames at each baud rate and verifies that the
// received data matches what was sent.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kmiikki/dpslog/pkg/transport"
)

var defaultBauds = []int{9600, 19200, 38400, 57600, 115200}

type loopbackStats struct {
	baud   int
	frames int
	ok     int
	fail   int
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		txFlag      = flag.String("tx", "/dev/ttyLOG", "Transmitting serial port")
		rxFlag      = flag.String("rx", "/dev/ttySIM", "Receiving serial port")
		baudsFlag   = flag.String("bauds", "", "Comma-separated baud list (default 9600,19200,38400,57600,115200)")
		framesFlag  = flag.Int("frames", 10, "Frames to send per baud rate")
		timeoutFlag = flag.Duration("timeout", 500*time.Millisecond, "Per-frame receive timeout")
	)
	flag.Parse()

	bauds := defaultBauds
	if *baudsFlag != "" {
		parsed, err := parseBaudList(*baudsFlag)
		if err != nil {
			log.Printf("Invalid baud list: %v", err)
			return 1
		}
		bauds = parsed
	}

	anyFailed := false
	for _, baud := range bauds {
		stats, err := testBaud(*txFlag, *rxFlag, baud, *framesFlag, *timeoutFlag)
		if err != nil {
			log.Printf("baud %6d: %v", baud, err)
			anyFailed = true
			continue
		}
		log.Printf("baud %6d: %d/%d frames ok, %d failed", stats.baud, stats.ok, stats.frames, stats.fail)
		if stats.fail > 0 {
			anyFailed = true
		}
	}
	if anyFailed {
		return 1
	}
	return 0
}

func parseBaudList(s string) ([]int, error) {
	var bauds []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid baud value %q", part)
		}
		bauds = append(bauds, b)
	}
	if len(bauds) == 0 {
		return nil, fmt.Errorf("at least one baud rate must be provided")
	}
	return bauds, nil
}

// testBaud sends numbered frames TX->RX at one baud rate and counts
// byte-exact round trips.
func testBaud(txPort, rxPort string, baud, frames int, timeout time.Duration) (loopbackStats, error) {
	stats := loopbackStats{baud: baud, frames: frames}

	tx, err := transport.Open(txPort, baud)
	if err != nil {
		return stats, fmt.Errorf("failed to open TX port: %w", err)
	}
	defer tx.Close()

	rx, err := transport.Open(rxPort, baud)
	if err != nil {
		return stats, fmt.Errorf("failed to open RX port: %w", err)
	}
	defer rx.Close()

	rd := transport.NewLineReader(rx)
	if err := rd.Discard(); err != nil {
		return stats, fmt.Errorf("failed to flush RX port: %w", err)
	}

	for i := 0; i < frames; i++ {
		frame := fmt.Sprintf("LOOPBACK,%d,%d", baud, i)
		if err := transport.WriteLine(tx, frame); err != nil {
			stats.fail++
			continue
		}
		got, err := rd.ReadLine(timeout)
		if err != nil || got != frame {
			stats.fail++
			continue
		}
		stats.ok++
	}
	return stats, nil
}
