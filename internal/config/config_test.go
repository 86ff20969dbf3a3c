package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider.CalendarID != "primary" {
		t.Errorf("CalendarID = %q, want primary", cfg.Provider.CalendarID)
	}
	if cfg.Provider.TaskListID != "@default" {
		t.Errorf("TaskListID = %q, want @default", cfg.Provider.TaskListID)
	}
	if cfg.Sync.Interval != 3*time.Minute {
		t.Errorf("Interval = %v, want 3m", cfg.Sync.Interval)
	}
	if cfg.Sync.TiePolicy != "no-change" {
		t.Errorf("TiePolicy = %q, want no-change", cfg.Sync.TiePolicy)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
owner_id: owner-1
database:
  path: /tmp/keepsync-test.db
provider:
  calendar_id: work
sync:
  interval: 10m
  tie_policy: prefer-remote
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q", cfg.OwnerID)
	}
	if cfg.Provider.CalendarID != "work" {
		t.Errorf("CalendarID = %q, want work", cfg.Provider.CalendarID)
	}
	// Unset keys keep their defaults.
	if cfg.Provider.TaskListID != "@default" {
		t.Errorf("TaskListID = %q, want the default", cfg.Provider.TaskListID)
	}
	if cfg.Sync.Interval != 10*time.Minute {
		t.Errorf("Interval = %v, want 10m", cfg.Sync.Interval)
	}
	if cfg.Sync.TiePolicy != "prefer-remote" {
		t.Errorf("TiePolicy = %q", cfg.Sync.TiePolicy)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for an explicit missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty config validated")
	}

	cfg.OwnerID = "owner-1"
	cfg.Database.Path = "/tmp/db"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}
