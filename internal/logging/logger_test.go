package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/loom/internal/config"
)

func TestLoggerWritesLevelTaggedLines(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Printf("convened %s", "cer-1")
	logger.Warnf("worker %s slow", "wrk-1")
	logger.Errorf("run aborted")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, config.LoomDir, "logs", "loom.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), lines)
	}
	for i, want := range []string{"INFO", "WARN", "ERROR"} {
		if !strings.Contains(lines[i], " "+want) {
			t.Fatalf("line %d missing %s tag: %q", i, want, lines[i])
		}
	}
	if !strings.Contains(lines[0], "convened cer-1") {
		t.Fatalf("message lost: %q", lines[0])
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Printf("ignored")
	logger.Errorf("ignored")
	if err := logger.Close(); err != nil {
		t.Fatalf("close on nil: %v", err)
	}
}
