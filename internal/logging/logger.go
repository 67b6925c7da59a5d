package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Logger appends timestamped lines to the daemon log file and optionally
// mirrors them to stderr.
type Logger struct {
	file   *os.File
	mirror io.Writer
}

// New creates (or reuses) the log file at path. When verbose is set,
// lines are also written to stderr.
func New(path string, verbose bool) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	logger := &Logger{file: f}
	if verbose {
		logger.mirror = os.Stderr
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{}
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	stamped := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
	if l.file != nil {
		fmt.Fprint(l.file, stamped)
	}
	if l.mirror != nil {
		fmt.Fprint(l.mirror, stamped)
	}
}
