// Package proto implements the DPS8000 RS-485 ASCII wire protocol:
// CR-terminated command lines, CR or CRLF terminated replies, and the
// optional "<addr>:" network-mode prefix.
package proto

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// CR terminates every request line on the wire.
	CR = "\r"

	// ErrToken is the explicit failure reply.
	ErrToken = "ERR"
)

// Command names recognized by driver and simulator.
const (
	CmdIdentify = "I"
	CmdAddress  = "N"
	CmdUnit     = "U"
	CmdAutosend = "A"
	CmdRead     = "R"
	CmdReadUnit = "*G"
	CmdReadTemp = "*T"
	CmdReadRaw  = "*Z"
	CmdStep     = "S"
)

// Step sub-keys for the S command family.
const (
	StepP2   = "P2"
	StepTau  = "TAU"
	StepMode = "MODE"
)

// Step error reasons.
const (
	StepBadMode = "BAD_MODE"
	StepBadKey  = "BAD_KEY"
)

// Command is a parsed request line. Addr is zero in direct mode.
type Command struct {
	Addr int
	Name string
	Args []string
}

// Encode renders the command body without the CR terminator.
func (c Command) Encode() string {
	body := c.Name
	if len(c.Args) > 0 {
		body += "," + strings.Join(c.Args, ",")
	}
	return WithAddr(c.Addr, body)
}

// Wire renders the full CR-terminated request line.
func (c Command) Wire() []byte {
	return []byte(c.Encode() + CR)
}

// ParseCommand splits a trimmed request line into a Command. Lines must
// not contain an embedded CR.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty command line")
	}
	if strings.ContainsAny(line, "\r\n") {
		return Command{}, fmt.Errorf("command contains embedded line terminator")
	}
	addr, body := SplitAddr(line)
	parts := strings.Split(body, ",")
	cmd := Command{Addr: addr, Name: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		cmd.Args = append(cmd.Args, strings.TrimSpace(p))
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("blank command name in %q", line)
	}
	return cmd, nil
}

// WithAddr prefixes body with "<addr>:" when addr is non-zero.
func WithAddr(addr int, body string) string {
	if addr != 0 {
		return fmt.Sprintf("%d:%s", addr, body)
	}
	return body
}

// SplitAddr strips a leading "<addr>:" prefix if present. A missing or
// malformed prefix yields addr 0 and the line unchanged.
func SplitAddr(line string) (addr int, body string) {
	i := strings.IndexByte(line, ':')
	if i <= 0 || i > 2 {
		return 0, line
	}
	n, err := strconv.Atoi(line[:i])
	if err != nil || n < 0 {
		return 0, line
	}
	return n, strings.TrimSpace(line[i+1:])
}

// FormatValue renders a bare numeric reply, e.g. "1.234567".
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// FormatValueUnit renders a "<value>,<unit>" reply, e.g. "1.234567,bar".
func FormatValueUnit(v float64, unit string) string {
	return FormatValue(v) + "," + unit
}

// FormatTemp renders a "*T" reply, e.g. "25.00,C".
func FormatTemp(tempC float64) string {
	return strconv.FormatFloat(tempC, 'f', 2, 64) + ",C"
}

// FormatPair renders a "*Z" raw diagnostic reply, e.g. "32000.0,450.0".
func FormatPair(a, b float64) string {
	return strconv.FormatFloat(a, 'f', 1, 64) + "," + strconv.FormatFloat(b, 'f', 1, 64)
}

// ParseValueUnit parses "<float>,<unit>" or a bare "<float>". The unit
// is empty when absent.
func ParseValueUnit(text string) (float64, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, "", fmt.Errorf("empty reply")
	}
	num, unit := text, ""
	if i := strings.IndexByte(text, ','); i >= 0 {
		num = strings.TrimSpace(text[:i])
		unit = strings.TrimSpace(text[i+1:])
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", fmt.Errorf("unparseable value in reply %q: %w", text, err)
	}
	return v, unit, nil
}

// ParsePair parses a "*Z" style "<float>,<float>" reply.
func ParsePair(text string) (float64, float64, error) {
	parts := strings.Split(strings.TrimSpace(text), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected two fields in %q", text)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad first field in %q: %w", text, err)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad second field in %q: %w", text, err)
	}
	return a, b, nil
}

// StepOK renders an "S,OK,<key>,<value>" acknowledgement.
func StepOK(key, value string) string {
	return CmdStep + ",OK," + key + "," + value
}

// StepErr renders "S,ERR" or "S,ERR,<reason>".
func StepErr(reason string) string {
	if reason == "" {
		return CmdStep + "," + ErrToken
	}
	return CmdStep + "," + ErrToken + "," + reason
}

// IsErr reports whether a reply body is an explicit failure token,
// either bare "ERR" or the "S,ERR[,<reason>]" form.
func IsErr(reply string) bool {
	reply = strings.TrimSpace(reply)
	if reply == ErrToken {
		return true
	}
	parts := strings.Split(reply, ",")
	return len(parts) >= 2 && parts[0] == CmdStep && parts[1] == ErrToken
}
