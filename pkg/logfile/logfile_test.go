package logfile

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestWriterHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(CSVConfig{
		Dir:        dir,
		Prefix:     "dps",
		Headers:    []string{"ts", "pressure", "unit"},
		FlushEvery: 1,
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "", w.CurrentPath(), "no file before the first write")

	require.NoError(t, w.WriteRecord(map[string]string{
		"ts": "t0", "pressure": "1.5", "unit": "bar",
	}))
	require.NoError(t, w.WriteRecord(map[string]string{
		"ts": "t1", "pressure": "1.4",
		"extra": "ignored",
	}))
	require.NoError(t, w.Close())

	assert.Equal(t, 2, w.Rows())
	lines := readLines(t, w.CurrentPath())
	require.Len(t, lines, 3)
	assert.Equal(t, "ts,pressure,unit", lines[0])
	assert.Equal(t, "t0,1.5,bar", lines[1])
	// Missing keys produce empty fields; unknown keys are dropped.
	assert.Equal(t, "t1,1.4,", lines[2])
}

// Crossing a local date boundary opens a new file; both files carry
// exactly one header.
func TestWriterDailyRotation(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 23, 59, 59, 0, time.Local)
	w, err := NewWriter(CSVConfig{
		Dir:        dir,
		Prefix:     "dps",
		Headers:    []string{"ts", "pressure"},
		FlushEvery: 1,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteRecord(map[string]string{"ts": "a", "pressure": "1"}))
	day1 := w.CurrentPath()
	assert.Contains(t, day1, "dps_20260301.csv")

	now = now.Add(2 * time.Second) // past midnight
	require.NoError(t, w.WriteRecord(map[string]string{"ts": "b", "pressure": "2"}))
	day2 := w.CurrentPath()
	assert.Contains(t, day2, "dps_20260302.csv")
	require.NoError(t, w.Close())

	for path, wantRow := range map[string]string{day1: "a,1", day2: "b,2"} {
		lines := readLines(t, path)
		require.Len(t, lines, 2, path)
		assert.Equal(t, "ts,pressure", lines[0], path)
		assert.Equal(t, wantRow, lines[1], path)
	}
}

// Reopening an existing day's file appends without repeating the header.
func TestWriterAppendAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := CSVConfig{
		Dir:        dir,
		Prefix:     "dps",
		Headers:    []string{"v"},
		FlushEvery: 1,
	}

	w1, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w1.WriteRecord(map[string]string{"v": "1"}))
	path := w1.CurrentPath()
	require.NoError(t, w1.Close())

	w2, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w2.WriteRecord(map[string]string{"v": "2"}))
	require.NoError(t, w2.Close())

	lines := readLines(t, path)
	assert.Equal(t, []string{"v", "1", "2"}, lines)
}

func TestWriterBuffering(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(CSVConfig{
		Dir:        dir,
		Headers:    []string{"v"},
		FlushEvery: 3,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteRecord(map[string]string{"v": "1"}))
	require.NoError(t, w.WriteRecord(map[string]string{"v": "2"}))
	// Header is flushed at creation; the two rows are still buffered.
	lines := readLines(t, w.CurrentPath())
	assert.Len(t, lines, 1)

	require.NoError(t, w.WriteRecord(map[string]string{"v": "3"}))
	lines = readLines(t, w.CurrentPath())
	assert.Len(t, lines, 4)
}

func TestWriterRequiresHeaders(t *testing.T) {
	_, err := NewWriter(CSVConfig{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestErrorLog(t *testing.T) {
	dir := t.TempDir()
	l, err := NewErrorLog(dir, "error.log", ", ")
	require.NoError(t, err)
	defer l.Close()

	ts := time.Date(2026, 3, 1, 12, 30, 45, 123456000, time.UTC)
	require.NoError(t, l.Write(ts, 7, "read timeout"))
	require.NoError(t, l.Write(ts, 8, "read timeout"))

	lines := readLines(t, l.Path())
	require.Len(t, lines, 3)
	assert.Equal(t, "Datetime, Measurement, Event", lines[0])
	assert.Equal(t, "2026-03-01 12:30:45.123456, 7, read timeout", lines[1])
	assert.Equal(t, "2026-03-01 12:30:45.123456, 8, read timeout", lines[2])
}

// One error log path may have only one writer per process.
func TestErrorLogRejectsDuplicatePath(t *testing.T) {
	dir := t.TempDir()
	l1, err := NewErrorLog(dir, "error.log", ", ")
	require.NoError(t, err)

	_, err = NewErrorLog(dir, "error.log", ", ")
	assert.Error(t, err)

	// Closing releases the path for reuse.
	require.NoError(t, l1.Close())
	l2, err := NewErrorLog(dir, "error.log", ", ")
	require.NoError(t, err)
	assert.NoError(t, l2.Close())
}
