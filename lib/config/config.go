// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Perch client configuration from a single YAML
// file specified by the PERCH_CONFIG environment variable or a --config
// flag. There are no fallbacks or automatic discovery — deterministic,
// auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath is the environment variable naming the config file.
const EnvConfigPath = "PERCH_CONFIG"

// Config is the client configuration.
type Config struct {
	// Homeserver is the default homeserver base URL offered on the
	// login screen (e.g., "https://matrix.example.org").
	Homeserver string `yaml:"homeserver"`

	// DataDir is where Perch keeps its local state: the credential
	// database, the room cache, and the crypto provider's own stores.
	DataDir string `yaml:"data_dir"`

	// RestoreTimeout bounds session restore at startup. A hung network
	// call falls through to the login screen instead of spinning
	// forever. Zero means the 15 second default.
	RestoreTimeout time.Duration `yaml:"restore_timeout"`

	// InitialHistoryLimit caps timeline events per room on initial
	// sync. Zero means the default of 20.
	InitialHistoryLimit int `yaml:"initial_history_limit"`
}

// Defaults applied by Load when fields are unset.
const (
	DefaultRestoreTimeout      = 15 * time.Second
	DefaultInitialHistoryLimit = 20
)

// Load reads and validates a config file. Missing optional fields get
// defaults; a missing DataDir is an error because every component
// needs local storage.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: %s: data_dir is required", path)
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = DefaultRestoreTimeout
	}
	if cfg.InitialHistoryLimit <= 0 {
		cfg.InitialHistoryLimit = DefaultInitialHistoryLimit
	}
	return &cfg, nil
}

// PathFromEnv returns the config path from PERCH_CONFIG, or the given
// fallback (typically a --config flag value) when unset.
func PathFromEnv(fallback string) string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return fallback
}
