package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "database_url: /tmp/trakbridge.db\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Core.PollDefault != 60*time.Second {
		t.Errorf("PollDefault = %s, want 60s", cfg.Core.PollDefault)
	}
	if cfg.Core.MaxQueueDepth != 1000 {
		t.Errorf("MaxQueueDepth = %d, want 1000", cfg.Core.MaxQueueDepth)
	}
	if cfg.Core.StaleFrameWindow != 60*time.Second {
		t.Errorf("StaleFrameWindow = %s, want 60s", cfg.Core.StaleFrameWindow)
	}
	if cfg.Core.DefaultStale != 5*time.Minute {
		t.Errorf("DefaultStale = %s, want 5m", cfg.Core.DefaultStale)
	}
	if cfg.Transform.Parallelism < 1 || cfg.Transform.Parallelism > 8 {
		t.Errorf("Parallelism = %d, want 1..8", cfg.Transform.Parallelism)
	}
	if cfg.Reconnect.BackoffBase != time.Second || cfg.Reconnect.BackoffCap != 60*time.Second {
		t.Errorf("Reconnect = %+v, want 1s/60s", cfg.Reconnect)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://user:pw@localhost/trakbridge
http_addr: ":9090"
log_level: debug
core:
  poll_default: 30s
  max_queue_depth: 500
reconnect:
  backoff_base: 2s
  backoff_cap: 2m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Core.PollDefault != 30*time.Second {
		t.Errorf("PollDefault = %s", cfg.Core.PollDefault)
	}
	if cfg.Core.MaxQueueDepth != 500 {
		t.Errorf("MaxQueueDepth = %d", cfg.Core.MaxQueueDepth)
	}
	if cfg.Reconnect.BackoffCap != 2*time.Minute {
		t.Errorf("BackoffCap = %s", cfg.Reconnect.BackoffCap)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing database url", "http_addr: \":8080\"\n", "database_url is required"},
		{"bad log level", "database_url: /tmp/db\nlog_level: loud\n", "log_level"},
		{"backoff inversion", "database_url: /tmp/db\nreconnect:\n  backoff_base: 5m\n  backoff_cap: 1s\n", "backoff_base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file must fail")
	}
}
