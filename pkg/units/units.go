package units

import (
	"fmt"
	"strings"
)

// Unit is a pressure unit understood by the DPS8000 protocol.
type Unit string

const (
	Bar  Unit = "bar"
	Pa   Unit = "Pa"
	KPa  Unit = "kPa"
	MBar Unit = "mbar"
	PSI  Unit = "psi"
)

// All lists the supported units in a stable order.
var All = []Unit{Bar, Pa, KPa, MBar, PSI}

// barTo maps one bar to the corresponding value in each unit.
var barTo = map[Unit]float64{
	Bar:  1.0,
	Pa:   1e5,
	KPa:  1e2,
	MBar: 1e3,
	PSI:  14.503773773,
}

// Parse returns the Unit matching s (case-insensitive).
func Parse(s string) (Unit, error) {
	for _, u := range All {
		if strings.EqualFold(s, string(u)) {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown pressure unit %q", s)
}

// Valid reports whether s names a supported unit.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Equal compares two unit strings case-insensitively. The device may
// report e.g. "BAR" while the configuration says "bar".
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// FromBar converts a value in bar to the given unit.
func FromBar(v float64, to Unit) float64 {
	return v * barTo[to]
}

// ToBar converts a value in the given unit to bar.
func ToBar(v float64, from Unit) float64 {
	return v / barTo[from]
}

// Convert converts v from one unit to another through the canonical
// bar table.
func Convert(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	return FromBar(ToBar(v, from), to)
}
