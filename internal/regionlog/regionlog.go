// Package regionlog appends delimited sample rows to per-region log files.
//
// Each file starts with a header line and holds one row per line. Text values
// are sanitized so the delimiter, quotes and line breaks never appear inside
// a field, which keeps every row splittable into exactly len(header) fields.
package regionlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755

	// Delimiter separates fields within a row.
	Delimiter = ','
	// DelimiterSubstitute replaces the delimiter inside text values.
	DelimiterSubstitute = '，'
	// QuoteSubstitute replaces '"' so CSV readers never see a quoted field.
	QuoteSubstitute = '＂'

	maxLineSize = 1 << 20
)

// Headers for the two log layouts.
var (
	PercentHeader = []string{"Year", "Month", "Day", "Hour", "Minute", "Expedite", "Congested", "Blocked", "Unknown"}
	RoadHeader    = []string{"Year", "Month", "Day", "Hour", "Minute", "Road", "Status", "Desc", "Distance", "Speed", "Trend"}
)

// ErrFieldCount is returned when a row does not match the header width.
var ErrFieldCount = errors.New("regionlog: row field count does not match header")

// ErrHeaderMismatch is returned by Open when an existing file was written
// with a different layout.
var ErrHeaderMismatch = errors.New("regionlog: existing header does not match")

var sanitizer = strings.NewReplacer(
	string(Delimiter), string(DelimiterSubstitute),
	`"`, string(QuoteSubstitute),
	"\r\n", " ",
	"\n", " ",
	"\r", " ",
)

// Sanitize makes a text value safe to place in a single field.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// TimeColumns renders t as the five leading timestamp fields
// (year, month, day, hour, minute) in t's location.
func TimeColumns(t time.Time) []string {
	return strings.Split(t.Format("2006,01,02,15,04"), ",")
}

// Log is an append-only delimited file with a fixed header.
type Log struct {
	mu     sync.Mutex
	path   string
	header []string
	file   *os.File
}

// Open creates or opens the log at path. A new or empty file gets the header
// line. A partially written trailing row left by a crash is truncated away.
func Open(path string, header []string) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("regionlog: path is empty")
	}
	if len(header) == 0 {
		return nil, errors.New("regionlog: header is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("regionlog: mkdir: %w", err)
	}
	if err := truncateTornTail(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("regionlog: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("regionlog: stat: %w", err)
	}
	want := strings.Join(header, string(Delimiter))
	if info.Size() > 0 {
		if err := checkHeader(f, want); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s", err, path)
		}
	} else {
		line := want + "\n"
		if _, err := f.WriteString(line); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("regionlog: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("regionlog: sync header: %w", err)
		}
	}

	return &Log{
		path:   path,
		header: append([]string(nil), header...),
		file:   f,
	}, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// Append sanitizes and writes rows in a single write, then syncs the file.
// Either every row is accepted or none is written.
func (l *Log) Append(rows ...[]string) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, row := range rows {
		if len(row) != len(l.header) {
			return fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(row), len(l.header))
		}
		for i, field := range row {
			if i > 0 {
				buf.WriteByte(Delimiter)
			}
			buf.WriteString(Sanitize(field))
		}
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("regionlog: log is closed")
	}
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("regionlog: write rows: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("regionlog: sync rows: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadRows reads a log back by splitting each line on the delimiter,
// returning its header and data rows. A row whose width differs from the
// header is reported as ErrFieldCount.
func ReadRows(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("regionlog: open for read: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var header []string
	var rows [][]string
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Split(scanner.Text(), string(Delimiter))
		if header == nil {
			header = fields
			continue
		}
		if len(fields) != len(header) {
			return header, rows, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrFieldCount, line, len(fields), len(header))
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return header, rows, fmt.Errorf("regionlog: read: %w", err)
	}
	return header, rows, nil
}

func checkHeader(f *os.File, want string) error {
	first, err := bufio.NewReaderSize(io.NewSectionReader(f, 0, maxLineSize), 4096).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("regionlog: read header: %w", err)
	}
	if got := strings.TrimRight(first, "\r\n"); got != want {
		return fmt.Errorf("%w: found %q, want %q", ErrHeaderMismatch, got, want)
	}
	return nil
}

// truncateTornTail drops bytes after the last newline of an existing file.
func truncateTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, defaultFileMode)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("regionlog: open for repair: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("regionlog: stat for repair: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	// Scan backwards in small chunks for the last newline.
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("regionlog: read for repair: %w", err)
		}
		if idx := bytes.LastIndexByte(buf[:n], '\n'); idx >= 0 {
			keep := start + int64(idx) + 1
			if keep == size {
				return nil
			}
			return truncate(f, keep)
		}
		end = start
	}
	return truncate(f, 0)
}

func truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("regionlog: truncate torn row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("regionlog: sync repair: %w", err)
	}
	return nil
}
