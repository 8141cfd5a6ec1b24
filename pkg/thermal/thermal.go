// Package thermal samples the host CPU's thermal and throttling state
// for the diagnostic columns of the pressure log. It prefers vcgencmd
// on Raspberry Pi and falls back to sysfs; unavailable values are NaN.
package thermal

import (
	"context"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// cmdTimeout bounds one vcgencmd invocation.
const cmdTimeout = 500 * time.Millisecond

// sysfsTempPath is the fallback temperature source.
const sysfsTempPath = "/sys/class/thermal/thermal_zone0/temp"

// Sample is one CPU thermal reading.
type Sample struct {
	CPUTempC     float64
	ARMFreqHz    float64
	CoreVolts    float64
	ThrottledRaw int64
	Throttled    Flags
}

// Flags decodes the vcgencmd get_throttled bitfield.
type Flags struct {
	UnderVoltage          bool
	ARMFreqCapped         bool
	CurrentlyThrottled    bool
	SoftTempLimitActive   bool
	UnderVoltageOccurred  bool
	ARMFreqCappedOccurred bool
	ThrottledOccurred     bool
	SoftTempLimitOccurred bool
}

// Reader yields thermal samples. VCGenCmd is the real implementation;
// tests and non-Pi hosts substitute fakes or the Null reader.
type Reader interface {
	ReadSample() Sample
}

// VCGenCmd reads through the vcgencmd utility with sysfs fallback.
type VCGenCmd struct{}

var _ Reader = VCGenCmd{}

// ReadSample gathers temperature, ARM frequency, core voltage and the
// throttled bitfield. Individual failures degrade to NaN or zero.
func (VCGenCmd) ReadSample() Sample {
	raw := readThrottledRaw()
	return Sample{
		CPUTempC:     readCPUTempC(),
		ARMFreqHz:    readARMFreqHz(),
		CoreVolts:    readCoreVolts(),
		ThrottledRaw: raw,
		Throttled:    decodeThrottled(raw),
	}
}

// Null returns NaN temperatures for hosts without thermal telemetry.
type Null struct{}

var _ Reader = Null{}

func (Null) ReadSample() Sample {
	return Sample{CPUTempC: math.NaN(), ARMFreqHz: math.NaN(), CoreVolts: math.NaN()}
}

func runCmd(args ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

var (
	floatRe = regexp.MustCompile(`([\d.]+)`)
	hexRe   = regexp.MustCompile(`0x([0-9A-Fa-f]+)`)
	clockRe = regexp.MustCompile(`=(\d+)`)
)

func readCPUTempC() float64 {
	if s, ok := runCmd("vcgencmd", "measure_temp"); ok {
		if v, ok := parseFirstFloat(s); ok {
			return v
		}
	}
	if data, err := os.ReadFile(sysfsTempPath); err == nil {
		if v, ok := parseSysfsTemp(string(data)); ok {
			return v
		}
	}
	return math.NaN()
}

func readARMFreqHz() float64 {
	if s, ok := runCmd("vcgencmd", "measure_clock", "arm"); ok {
		if v, ok := parseClock(s); ok {
			return v
		}
	}
	return math.NaN()
}

func readCoreVolts() float64 {
	if s, ok := runCmd("vcgencmd", "measure_volts", "core"); ok {
		if v, ok := parseFirstFloat(s); ok {
			return v
		}
	}
	return math.NaN()
}

func readThrottledRaw() int64 {
	s, ok := runCmd("vcgencmd", "get_throttled")
	if !ok {
		return 0
	}
	v, _ := parseThrottled(s)
	return v
}

// parseFirstFloat extracts the first decimal number, as in
// "temp=48.3'C" or "volt=0.8500V".
func parseFirstFloat(s string) (float64, bool) {
	m := floatRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// parseClock extracts the Hz value from "frequency(48)=1500398464".
func parseClock(s string) (float64, bool) {
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	return float64(v), err == nil
}

// parseThrottled extracts the bitfield from "throttled=0x50000".
func parseThrottled(s string) (int64, bool) {
	m := hexRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 16, 64)
	return v, err == nil
}

// parseSysfsTemp handles both millidegree and degree encodings.
func parseSysfsTemp(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	if v > 200 {
		v /= 1000.0
	}
	return v, true
}

func decodeThrottled(raw int64) Flags {
	bit := func(n uint) bool { return raw&(1<<n) != 0 }
	return Flags{
		UnderVoltage:          bit(0),
		ARMFreqCapped:         bit(1),
		CurrentlyThrottled:    bit(2),
		SoftTempLimitActive:   bit(3),
		UnderVoltageOccurred:  bit(16),
		ARMFreqCappedOccurred: bit(17),
		ThrottledOccurred:     bit(18),
		SoftTempLimitOccurred: bit(19),
	}
}
