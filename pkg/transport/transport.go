// Package transport provides the serial link used by the DPS8000 driver
// and simulator: 8N1 framing, timeout-bounded reads, and line framing
// that accepts CR or CRLF terminated replies.
package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the standard baud rate for the DPS8000.
const DefaultBaudRate = 9600

// ErrTimeout is returned when no complete line arrives within the deadline.
var ErrTimeout = errors.New("read timeout")

// Conn is the transport handle shared by driver and simulator. It is
// satisfied by go.bug.st/serial.Port and by the in-memory Pipe used in
// tests.
type Conn interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds a single Read call. A timed-out Read
	// returns (0, nil), matching go.bug.st/serial semantics.
	SetReadTimeout(t time.Duration) error

	// ResetInputBuffer discards unread inbound bytes so stale data
	// from a failed exchange cannot be mistaken for a new reply.
	ResetInputBuffer() error

	// Drain waits until all written bytes are transmitted.
	Drain() error
}

// Open opens a serial port with 8 data bits, no parity and 1 stop bit.
func Open(port string, baud int) (Conn, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	return p, nil
}

// pollInterval is the read granularity inside a deadline-bounded wait.
const pollInterval = 20 * time.Millisecond

// LineReader frames CR or CRLF (or bare LF) terminated lines on top of
// a Conn, carrying partial data between calls.
type LineReader struct {
	conn Conn
	buf  []byte
}

// NewLineReader wraps conn with line framing.
func NewLineReader(conn Conn) *LineReader {
	return &LineReader{conn: conn}
}

// Discard drops any buffered partial line along with the port's unread
// input.
func (r *LineReader) Discard() error {
	r.buf = r.buf[:0]
	return r.conn.ResetInputBuffer()
}

// ReadLine returns the next non-empty line, waiting up to timeout for
// it to complete. The terminator is stripped. It returns ErrTimeout if
// no line arrives in time and io.EOF once the peer has closed.
func (r *LineReader) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := r.takeLine(); ok {
			if line != "" {
				return line, nil
			}
			continue
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return "", ErrTimeout
		}
		if remain > pollInterval {
			remain = pollInterval
		}
		if err := r.conn.SetReadTimeout(remain); err != nil {
			return "", fmt.Errorf("failed to set read timeout: %w", err)
		}

		chunk := make([]byte, 256)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				// Serve anything already buffered before reporting EOF.
				if line, ok := r.takeLine(); ok && line != "" {
					return line, nil
				}
				return "", io.EOF
			}
			return "", fmt.Errorf("serial read failed: %w", err)
		}
	}
}

// takeLine extracts one terminated line from the buffer. The returned
// string is trimmed; ok is false when no terminator is buffered yet.
func (r *LineReader) takeLine() (line string, ok bool) {
	idx := -1
	for i, b := range r.buf {
		if b == '\r' || b == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	line = string(r.buf[:idx])
	next := idx + 1
	// Swallow the LF of a CRLF pair.
	if r.buf[idx] == '\r' && next < len(r.buf) && r.buf[next] == '\n' {
		next++
	}
	r.buf = r.buf[next:]
	return strings.TrimSpace(line), true
}

// WriteLine writes body followed by CR and drains the port.
func WriteLine(conn Conn, body string) error {
	if _, err := conn.Write([]byte(body + "\r")); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if err := conn.Drain(); err != nil {
		return fmt.Errorf("serial drain failed: %w", err)
	}
	return nil
}
