// internal/config/config.go
//
// This package handles configuration and the .loom directory structure.
// Every project that convenes ceremonies gets a .loom/ folder created in its
// root; the shared ceremony records live underneath it.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// LoomDir is the name of the directory we create in each project.
	LoomDir = ".loom"

	defaultMaxConcurrency    = 3
	defaultMaxAttempts       = 2
	defaultTaskTimeout       = 5 * time.Minute
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 2 * time.Second
)

const defaultProjectConfigYAML = `# loom project configuration
version: 1

# Knobs for the scheduling loop. None of these defaults is assumed correct
# for every workload; tune them per project.
orchestration:
  max_concurrency: 3
  max_attempts: 2
  task_timeout: 5m
  poll_interval: 2s

# Worker runtime settings.
worker:
  heartbeat_interval: 2s

# Live event streaming over websocket. Disabled unless you need it.
eventbridge:
  enabled: false
  host: 127.0.0.1
  port: 7733
`

// OrchestrationConfig captures the scheduling loop knobs. Durations are YAML
// strings in time.ParseDuration syntax.
type OrchestrationConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxAttempts    int    `yaml:"max_attempts"`
	TaskTimeout    string `yaml:"task_timeout"`
	PollInterval   string `yaml:"poll_interval"`
}

// WorkerConfig captures worker runtime settings.
type WorkerConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// EventBridgeConfig captures event streaming settings.
type EventBridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ProjectConfig models .loom/config.yaml.
type ProjectConfig struct {
	Version       int                 `yaml:"version"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Worker        WorkerConfig        `yaml:"worker"`
	EventBridge   EventBridgeConfig   `yaml:"eventbridge"`
}

// Config holds the runtime configuration for loom.
type Config struct {
	// ProjectDir is the directory where the user ran `loom` from.
	ProjectDir string

	// LoomProjectDir is ProjectDir/.loom.
	LoomProjectDir string

	Project ProjectConfig
}

// InitLoomDir creates the .loom directory structure in the given project
// directory.
//
// Structure created:
// .loom/
// ├── logs/         <- orchestrator log file
// └── ceremonies/   <- one record directory per ceremony (git-trackable)
func InitLoomDir(projectDir string) error {
	loomDir := filepath.Join(projectDir, LoomDir)
	dirs := []string{
		filepath.Join(loomDir, "logs"),
		filepath.Join(loomDir, "ceremonies"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(loomDir, "config.yaml"))
}

// NewConfig creates a Config populated with project settings, loading
// .loom/config.yaml when present.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:     projectDir,
		LoomProjectDir: filepath.Join(projectDir, LoomDir),
		Project:        defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CeremoniesDir returns the directory holding ceremony records.
func (c *Config) CeremoniesDir() string {
	return filepath.Join(c.LoomProjectDir, "ceremonies")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.LoomProjectDir, "logs")
}

// ConfigPath returns the path to the project config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.LoomProjectDir, "config.yaml")
}

// MaxConcurrency returns the configured worker slot bound.
func (c *Config) MaxConcurrency() int {
	if c.Project.Orchestration.MaxConcurrency <= 0 {
		return defaultMaxConcurrency
	}
	return c.Project.Orchestration.MaxConcurrency
}

// MaxAttempts returns the per-task retry budget.
func (c *Config) MaxAttempts() int {
	if c.Project.Orchestration.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.Project.Orchestration.MaxAttempts
}

// TaskTimeout returns how long a worker may go silent before it is lost.
func (c *Config) TaskTimeout() time.Duration {
	return parseDuration(c.Project.Orchestration.TaskTimeout, defaultTaskTimeout)
}

// PollInterval returns the scheduling loop's fallback wake interval.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Project.Orchestration.PollInterval, defaultPollInterval)
}

// HeartbeatInterval returns how often workers touch their heartbeat file.
func (c *Config) HeartbeatInterval() time.Duration {
	return parseDuration(c.Project.Worker.HeartbeatInterval, defaultHeartbeatInterval)
}

func (c *Config) loadProjectConfig() error {
	data, err := os.ReadFile(c.ConfigPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", c.ConfigPath(), err)
	}
	var project ProjectConfig
	if err := yaml.Unmarshal(data, &project); err != nil {
		return fmt.Errorf("config: parse %s: %w", c.ConfigPath(), err)
	}
	c.Project = mergeProjectConfig(defaultProjectConfig(), project)
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Orchestration: OrchestrationConfig{
			MaxConcurrency: defaultMaxConcurrency,
			MaxAttempts:    defaultMaxAttempts,
			TaskTimeout:    defaultTaskTimeout.String(),
			PollInterval:   defaultPollInterval.String(),
		},
		Worker: WorkerConfig{
			HeartbeatInterval: defaultHeartbeatInterval.String(),
		},
		EventBridge: EventBridgeConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    7733,
		},
	}
}

func mergeProjectConfig(base, overlay ProjectConfig) ProjectConfig {
	if overlay.Version != 0 {
		base.Version = overlay.Version
	}
	if overlay.Orchestration.MaxConcurrency > 0 {
		base.Orchestration.MaxConcurrency = overlay.Orchestration.MaxConcurrency
	}
	if overlay.Orchestration.MaxAttempts > 0 {
		base.Orchestration.MaxAttempts = overlay.Orchestration.MaxAttempts
	}
	if overlay.Orchestration.TaskTimeout != "" {
		base.Orchestration.TaskTimeout = overlay.Orchestration.TaskTimeout
	}
	if overlay.Orchestration.PollInterval != "" {
		base.Orchestration.PollInterval = overlay.Orchestration.PollInterval
	}
	if overlay.Worker.HeartbeatInterval != "" {
		base.Worker.HeartbeatInterval = overlay.Worker.HeartbeatInterval
	}
	base.EventBridge.Enabled = overlay.EventBridge.Enabled
	if overlay.EventBridge.Host != "" {
		base.EventBridge.Host = overlay.EventBridge.Host
	}
	if overlay.EventBridge.Port > 0 {
		base.EventBridge.Port = overlay.EventBridge.Port
	}
	return base
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
