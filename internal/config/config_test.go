package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitLoomDirCreatesStructure(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, sub := range []string{"logs", "ceremonies"} {
		path := filepath.Join(projectDir, LoomDir, sub)
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("expected %s: %v", path, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", path)
		}
	}
	if _, err := os.Stat(filepath.Join(projectDir, LoomDir, "config.yaml")); err != nil {
		t.Fatalf("expected default config.yaml: %v", err)
	}
}

func TestInitLoomDirKeepsExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	custom := "version: 1\norchestration:\n  max_concurrency: 9\n"
	path := filepath.Join(projectDir, LoomDir, "config.yaml")
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != custom {
		t.Fatalf("init overwrote user config")
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.MaxConcurrency() != 3 || cfg.MaxAttempts() != 2 {
		t.Fatalf("unexpected defaults: %d %d", cfg.MaxConcurrency(), cfg.MaxAttempts())
	}
	if cfg.TaskTimeout() != 5*time.Minute {
		t.Fatalf("unexpected task timeout: %v", cfg.TaskTimeout())
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval())
	}
}

func TestNewConfigOverlaysProjectFile(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	custom := `version: 1
orchestration:
  max_concurrency: 8
  task_timeout: 90s
eventbridge:
  enabled: true
  port: 9000
`
	if err := os.WriteFile(filepath.Join(projectDir, LoomDir, "config.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.MaxConcurrency() != 8 {
		t.Fatalf("overlay lost: %d", cfg.MaxConcurrency())
	}
	if cfg.TaskTimeout() != 90*time.Second {
		t.Fatalf("overlay lost: %v", cfg.TaskTimeout())
	}
	// Unset keys keep defaults.
	if cfg.MaxAttempts() != 2 {
		t.Fatalf("default lost: %d", cfg.MaxAttempts())
	}
	if !cfg.Project.EventBridge.Enabled || cfg.Project.EventBridge.Port != 9000 {
		t.Fatalf("eventbridge overlay lost: %+v", cfg.Project.EventBridge)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitLoomDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	custom := "version: 1\norchestration:\n  task_timeout: soon\n"
	if err := os.WriteFile(filepath.Join(projectDir, LoomDir, "config.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.TaskTimeout() != 5*time.Minute {
		t.Fatalf("expected fallback timeout, got %v", cfg.TaskTimeout())
	}
}
