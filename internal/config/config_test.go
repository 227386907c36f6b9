// Package config tests for configuration loading.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies the documented default values.
func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.SyncIntervalMinutes != 15 {
		t.Errorf("Expected syncIntervalMinutes 15, got %d", cfg.SyncIntervalMinutes)
	}
	if cfg.CacheBudgetBytes != 50*1024*1024 {
		t.Errorf("Expected 50 MiB cache budget, got %d", cfg.CacheBudgetBytes)
	}
	if cfg.CacheDefaultTTL != 24*time.Hour {
		t.Errorf("Expected 24h default TTL, got %s", cfg.CacheDefaultTTL)
	}
	if cfg.RetentionWindowForCompletedOps != 24*time.Hour {
		t.Errorf("Expected 24h retention window, got %s", cfg.RetentionWindowForCompletedOps)
	}
	if cfg.WifiOnly {
		t.Error("Expected wifiOnly disabled by default")
	}
	if !cfg.BackgroundSyncEnabled {
		t.Error("Expected background sync enabled by default")
	}
}

// TestLoadFromFile verifies YAML file values override defaults.
func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	content := []byte("wifiOnly: true\nsyncIntervalMinutes: 5\ncacheBudgetBytes: 1048576\nserverURL: https://api.example.test\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.WifiOnly {
		t.Error("Expected wifiOnly true")
	}
	if cfg.SyncIntervalMinutes != 5 {
		t.Errorf("Expected interval 5, got %d", cfg.SyncIntervalMinutes)
	}
	if cfg.CacheBudgetBytes != 1048576 {
		t.Errorf("Expected budget 1048576, got %d", cfg.CacheBudgetBytes)
	}
	if cfg.ServerURL != "https://api.example.test" {
		t.Errorf("Unexpected serverURL: %s", cfg.ServerURL)
	}
	if cfg.SyncInterval() != 5*time.Minute {
		t.Errorf("Expected 5m interval, got %s", cfg.SyncInterval())
	}
}

// TestLoadMissingFile verifies a missing explicit file is an error.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

// TestLoadRejectsInvalid verifies validation of nonsensical values.
func TestLoadRejectsInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(path, []byte("syncIntervalMinutes: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for zero sync interval")
	}
}
