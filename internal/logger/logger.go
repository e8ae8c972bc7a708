package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/streamplot/internal/decoder"
)

// Logger appends decoded lines to CSV files with automatic rotation. A new
// file is started for every session, after maxRows rows, and whenever the
// number of channels changes.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool

	session  string
	create   func(path string) (io.WriteCloser, error)
	file     io.WriteCloser
	path     string
	writer   *csv.Writer
	channels int
	lastTs   time.Time
	rows     int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"` // 0 records every line
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "logs"
	}
	if cfg.IntervalMs < 0 {
		cfg.IntervalMs = 0
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:      cfg.Path,
		interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
		create:   func(path string) (io.WriteCloser, error) { return os.Create(path) },
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// StartSession closes the current file; the next row opens a file named
// after the session.
func (l *Logger) StartSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
	if len(id) > 8 {
		id = id[:8]
	}
	l.session = id
}

// Path returns the file currently written, if any.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record writes one decoded line if the minimum interval has elapsed.
func (l *Logger) Record(pl decoder.ParsedLine) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(pl.Values) == 0 {
		return
	}

	now := time.Now()
	if l.interval > 0 && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows || len(pl.Values) != l.channels {
		if err := l.rotateFile(now, len(pl.Values)); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	l.writer.Write(buildRow(pl))
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		log.Printf("[logger] write failed: %v", err)
		l.closeFile()
		return
	}
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time, channels int) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	name := "streamplot_" + now.Format("2006-01-02_150405.000")
	if l.session != "" {
		name += "_" + l.session
	}
	path := filepath.Join(l.dir, name+".csv")

	f, err := l.create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.path = path
	l.writer = csv.NewWriter(f)
	l.channels = channels
	l.rows = 0

	l.writer.Write(header(channels))
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		l.closeFile()
		return fmt.Errorf("write header to %s: %w", path, err)
	}

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.path = ""
}

func header(channels int) []string {
	h := make([]string, channels+1)
	h[0] = "timestamp"
	for i := 0; i < channels; i++ {
		h[i+1] = "ch" + strconv.Itoa(i)
	}
	return h
}

func buildRow(pl decoder.ParsedLine) []string {
	row := make([]string, len(pl.Values)+1)
	row[0] = strconv.FormatFloat(pl.Time, 'f', 6, 64)
	for i, v := range pl.Values {
		row[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return row
}
