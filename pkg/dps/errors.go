package dps

import "fmt"

// TransportError reports a failed exchange at the serial level: port
// unreachable, timeout, or short read.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a reply the driver could not accept: empty,
// unparseable, an unexpected echo, or the explicit ERR token.
type ProtocolError struct {
	Cmd    string
	Reply  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: command %q: %s (reply %q)", e.Cmd, e.Reason, e.Reply)
}

// UnitMismatchError reports a device measurement in a unit different
// from the configured one.
type UnitMismatchError struct {
	Device     string
	Configured string
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("unit mismatch: device=%q vs configured=%q", e.Device, e.Configured)
}

// ConfigError reports an invalid configuration field value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
