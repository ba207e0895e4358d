// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 16 {
		t.Fatalf("expected default worker count 16, got %d", cfg.Worker.Count)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Queue.Retries != 3 || cfg.Queue.WorkItemTimeout != 5*time.Minute {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
queue:
  name: emails
  retries: 1
worker:
  count: 2
scheduled:
  - name: nightly-cleanup
    schedule: "0 3 * * *"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Name != "emails" || cfg.Queue.Retries != 1 || cfg.Worker.Count != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.Scheduled) != 1 || cfg.Scheduled[0].Schedule != "0 3 * * *" {
		t.Fatalf("scheduled jobs not parsed: %+v", cfg.Scheduled)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.count < 1")
	}
	cfg = defaultConfig()
	cfg.Queue.Name = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty queue name")
	}
	cfg = defaultConfig()
	cfg.Scheduled = []Scheduled{{Name: "x"}}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for scheduled job without schedule")
	}
}
