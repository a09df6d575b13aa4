// Package config loads the server configuration from a YAML file and can
// watch it for changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Notifications holds the default display preferences applied to devices
// that never sent an update_preferences message.
type Notifications struct {
	Sound      bool   `yaml:"sound"`
	Position   string `yaml:"position"`
	DurationMs int    `yaml:"duration_ms"`
}

// Priority configures the external priority oracle.
type Priority struct {
	// Model is the Anthropic model id. Empty disables the oracle and
	// every new entry defaults to normal priority.
	Model string `yaml:"model"`

	// APIKey overrides the ANTHROPIC_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// TimeoutSeconds bounds each suggestion call (default 5).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config is the top-level server configuration.
type Config struct {
	// Listen is the sync server's listen address.
	Listen string `yaml:"listen"`

	// DBPath is the SQLite entry store location.
	DBPath string `yaml:"db_path"`

	// LogFile, when set, routes the process log through a rotating file.
	LogFile string `yaml:"log_file"`

	// SyncTimeoutSeconds bounds datastore queries and outbound writes.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds"`

	// ChangeHistory is the per-device diagnostic change log depth.
	ChangeHistory int `yaml:"change_history"`

	Notifications Notifications `yaml:"notifications"`
	Priority      Priority      `yaml:"priority"`
}

// Default returns an in-memory default configuration.
func Default() *Config {
	return &Config{
		Listen:             ":8787",
		DBPath:             "calsync.db",
		SyncTimeoutSeconds: 5,
		ChangeHistory:      50,
		Notifications: Notifications{
			Sound:      true,
			Position:   "topRight",
			DurationMs: 4000,
		},
		Priority: Priority{TimeoutSeconds: 5},
	}
}

// Normalize fills zero values with defaults so partial configs behave.
func (c *Config) Normalize() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.SyncTimeoutSeconds <= 0 {
		c.SyncTimeoutSeconds = def.SyncTimeoutSeconds
	}
	if c.ChangeHistory <= 0 {
		c.ChangeHistory = def.ChangeHistory
	}
	if c.Notifications.Position == "" {
		c.Notifications.Position = def.Notifications.Position
	}
	if c.Notifications.DurationMs <= 0 {
		c.Notifications.DurationMs = def.Notifications.DurationMs
	}
	if c.Priority.TimeoutSeconds <= 0 {
		c.Priority.TimeoutSeconds = def.Priority.TimeoutSeconds
	}
}

// SyncTimeout returns the configured sync timeout as a duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

// PriorityTimeout returns the oracle timeout as a duration.
func (c *Config) PriorityTimeout() time.Duration {
	return time.Duration(c.Priority.TimeoutSeconds) * time.Second
}

// Load reads the YAML config at path. A missing file yields defaults
// without error; a malformed file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}
