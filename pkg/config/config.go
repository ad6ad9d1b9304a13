// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the process-level configuration file read by
// cmd/lightnvrd and the Supervisor, generalizing the teacher's
// storage.ConfigEnv (env.yaml) shape to this project's knobs. The
// per-stream configuration lives in the catalog, not here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrPathNotAbsolute is returned when a required path is relative.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// Config is the top-level process configuration.
type Config struct {
	// CatalogPath is the path to the recordings/streams SQLite database.
	CatalogPath string `yaml:"catalogPath"`

	// StoragePath is the root directory under which every stream's
	// output directory lives.
	StoragePath string `yaml:"storagePath"`

	// MaxStorageGB is a global disk budget; 0 means unlimited.
	MaxStorageGB int `yaml:"maxStorageGB"`

	// RetentionDays is how long a completed recording is kept before
	// the retention sweep considers it for deletion.
	RetentionDays int `yaml:"retentionDays"`

	// AutoDeleteOldest, when true, lets the retention sweep delete the
	// globally oldest complete recordings to bring usage back under
	// MaxStorageGB, regardless of RetentionDays.
	AutoDeleteOldest bool `yaml:"autoDeleteOldest"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`

	// LogDBPath is where the ring-buffered log database is kept.
	LogDBPath string `yaml:"logDBPath"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StoragePath == "" {
		return nil, fmt.Errorf("storagePath: %w", os.ErrInvalid)
	}
	if !filepath.IsAbs(cfg.StoragePath) {
		return nil, fmt.Errorf("storagePath %q: %w", cfg.StoragePath, ErrPathNotAbsolute)
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.StoragePath, "catalog.db")
	}
	if cfg.LogDBPath == "" {
		cfg.LogDBPath = filepath.Join(cfg.StoragePath, "logs.db")
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxStorageGB < 0 {
		return nil, fmt.Errorf("maxStorageGB %v: must be >= 0", cfg.MaxStorageGB)
	}

	return &cfg, nil
}

// PrepareStorage ensures the storage root exists.
func (c *Config) PrepareStorage() error {
	if err := os.MkdirAll(c.StoragePath, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create storage path %v: %w", c.StoragePath, err)
	}
	return nil
}
