// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
homeserver: https://matrix.example.org
data_dir: /home/user/.local/share/perch
restore_timeout: 10s
initial_history_limit: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Homeserver != "https://matrix.example.org" {
		t.Errorf("unexpected homeserver: %s", cfg.Homeserver)
	}
	if cfg.RestoreTimeout != 10*time.Second {
		t.Errorf("unexpected restore timeout: %v", cfg.RestoreTimeout)
	}
	if cfg.InitialHistoryLimit != 50 {
		t.Errorf("unexpected history limit: %d", cfg.InitialHistoryLimit)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/perch\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RestoreTimeout != DefaultRestoreTimeout {
		t.Errorf("expected default restore timeout, got %v", cfg.RestoreTimeout)
	}
	if cfg.InitialHistoryLimit != DefaultInitialHistoryLimit {
		t.Errorf("expected default history limit, got %d", cfg.InitialHistoryLimit)
	}
}

func TestLoadMissingDataDir(t *testing.T) {
	path := writeConfig(t, "homeserver: https://example.org\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load without data_dir should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of missing file should fail")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/perch.yaml")
	if got := PathFromEnv("fallback.yaml"); got != "/etc/perch.yaml" {
		t.Errorf("unexpected path: %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := PathFromEnv("fallback.yaml"); got != "fallback.yaml" {
		t.Errorf("unexpected fallback path: %s", got)
	}
}
