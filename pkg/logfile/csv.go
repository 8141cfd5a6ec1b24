// Package logfile provides the append-only file sinks used by the
// datalogger: a daily-rotating CSV writer and an error log.
package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFlushEvery is the buffered-row count between flushes.
const DefaultFlushEvery = 50

// CSVConfig configures a rotating Writer.
type CSVConfig struct {
	Dir        string
	Prefix     string
	Sep        string
	Headers    []string
	FlushEvery int

	// Now supplies the rotation clock; nil means time.Now. Tests
	// inject a fake clock to cross date boundaries.
	Now func() time.Time
}

// Writer is a daily-rotating CSV sink. Files are named
// "<prefix>_YYYYMMDD.csv"; rotation happens when the local calendar
// date changes. The header is written exactly once per physical file,
// at creation. Rows are buffered and flushed every FlushEvery rows and
// unconditionally on rotation and close.
type Writer struct {
	cfg   CSVConfig
	date  string
	file  *os.File
	buf   *bufio.Writer
	since int
	rows  int
}

// NewWriter validates the configuration and creates the output
// directory. The first file is opened lazily on the first write.
func NewWriter(cfg CSVConfig) (*Writer, error) {
	if len(cfg.Headers) == 0 {
		return nil, fmt.Errorf("rotating CSV writer requires a fixed header column order")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "samples"
	}
	if cfg.Sep == "" {
		cfg.Sep = ","
	}
	if cfg.FlushEvery < 1 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Writer{cfg: cfg}, nil
}

// CurrentPath returns the path of the open file, or "" before the
// first write.
func (w *Writer) CurrentPath() string {
	if w.date == "" {
		return ""
	}
	return w.path(w.date)
}

// Rows returns the number of data rows written across all files.
func (w *Writer) Rows() int {
	return w.rows
}

func (w *Writer) path(date string) string {
	return filepath.Join(w.cfg.Dir, fmt.Sprintf("%s_%s.csv", w.cfg.Prefix, date))
}

// WriteRecord appends one data row. Values are picked in the fixed
// header order; keys outside the schema are ignored and missing keys
// produce an empty field.
func (w *Writer) WriteRecord(rec map[string]string) error {
	fields := make([]string, len(w.cfg.Headers))
	for i, h := range w.cfg.Headers {
		fields[i] = rec[h]
	}
	return w.writeRow(fields)
}

func (w *Writer) writeRow(fields []string) error {
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}
	line := strings.Join(fields, w.cfg.Sep)
	if _, err := w.buf.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	w.rows++
	w.since++
	if w.since >= w.cfg.FlushEvery {
		if err := w.flush(); err != nil {
			return err
		}
	}
	return nil
}

// rotateIfNeeded opens the file for the current local date, closing
// the previous day's file first. Every new physical file starts with
// the header line.
func (w *Writer) rotateIfNeeded() error {
	date := w.cfg.Now().Format("20060102")
	if w.file != nil && date == w.date {
		return nil
	}
	if w.file != nil {
		if err := w.closeFile(); err != nil {
			return err
		}
	}
	path := w.path(date)
	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.date = date
	w.since = 0

	if !existed {
		header := strings.Join(w.cfg.Headers, w.cfg.Sep)
		if _, err := w.buf.WriteString(header + "\n"); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		if err := w.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.CurrentPath(), err)
	}
	w.since = 0
	return nil
}

func (w *Writer) closeFile() error {
	if err := w.flush(); err != nil {
		w.file.Close()
		w.file = nil
		return err
	}
	err := w.file.Close()
	w.file = nil
	w.buf = nil
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", w.path(w.date), err)
	}
	return nil
}

// Close flushes and closes the current file. Further writes reopen it.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	return w.closeFile()
}
