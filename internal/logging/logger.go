// Package logging writes the project-wide orchestration log. Per-ceremony
// events go to the logbook journal instead; this file is for everything that
// happens outside any single ceremony, or before one exists.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/logbook"
)

// Logger appends level-tagged lines to .loom/logs/loom.log. Lines share the
// journal's grammar so the project log and a ceremony journal read the same
// way side by side.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.LoomDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "loom.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes an INFO line. It is the surface the orchestrator logs
// through.
func (l *Logger) Printf(format string, args ...any) {
	l.write(logbook.LevelInfo, format, args...)
}

// Warnf writes a WARN line.
func (l *Logger) Warnf(format string, args ...any) {
	l.write(logbook.LevelWarn, format, args...)
}

// Errorf writes an ERROR line.
func (l *Logger) Errorf(format string, args ...any) {
	l.write(logbook.LevelError, format, args...)
}

func (l *Logger) write(level logbook.Level, format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "%s %-5s %s\n",
		time.Now().UTC().Format(time.RFC3339), string(level), line)
}
