package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// errHeader is written once at the top of every error log file.
var errHeader = []string{"Datetime", "Measurement", "Event"}

// openErrLogs tracks error-log paths in use within this process so two
// writers cannot fight over one file.
var (
	openErrMu   sync.Mutex
	openErrLogs = map[string]struct{}{}
)

// ErrorLog is an append-only sink for error events. Each row is
// (timestamp, measurement sequence number, message); the header is
// written exactly once per file.
type ErrorLog struct {
	path      string
	sep       string
	hasHeader bool
	mu        sync.Mutex
}

// NewErrorLog creates (truncates) the error log file. Opening the same
// path twice within one process is rejected.
func NewErrorLog(dir, name, sep string) (*ErrorLog, error) {
	if name == "" {
		name = "error.log"
	}
	if sep == "" {
		sep = ", "
	}
	path := filepath.Join(dir, name)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve error log path: %w", err)
	}

	openErrMu.Lock()
	if _, dup := openErrLogs[abs]; dup {
		openErrMu.Unlock()
		return nil, fmt.Errorf("error log %s is already open in this process", abs)
	}
	openErrLogs[abs] = struct{}{}
	openErrMu.Unlock()

	f, err := os.Create(abs)
	if err != nil {
		openErrMu.Lock()
		delete(openErrLogs, abs)
		openErrMu.Unlock()
		return nil, fmt.Errorf("failed to create error log: %w", err)
	}
	f.Close()

	return &ErrorLog{path: abs, sep: sep}, nil
}

// Path returns the absolute file path.
func (l *ErrorLog) Path() string {
	return l.path
}

// Write appends one error event.
func (l *ErrorLog) Write(ts time.Time, measurement int, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open error log: %w", err)
	}
	defer f.Close()

	if !l.hasHeader {
		if _, err := fmt.Fprintln(f, strings.Join(errHeader, l.sep)); err != nil {
			return fmt.Errorf("failed to write error log header: %w", err)
		}
		l.hasHeader = true
	}
	row := []string{
		ts.Format("2006-01-02 15:04:05.000000"),
		fmt.Sprintf("%d", measurement),
		msg,
	}
	if _, err := fmt.Fprintln(f, strings.Join(row, l.sep)); err != nil {
		return fmt.Errorf("failed to write error log row: %w", err)
	}
	return nil
}

// Close releases the path registration so a later writer may reuse it.
func (l *ErrorLog) Close() error {
	openErrMu.Lock()
	delete(openErrLogs, l.path)
	openErrMu.Unlock()
	return nil
}

