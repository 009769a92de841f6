package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.FreezeWindow != 240*time.Millisecond {
		t.Fatalf("freeze window: got %v", cfg.Engine.FreezeWindow)
	}
	if cfg.Engine.GuestPollInterval != 30*time.Second || cfg.Engine.AdminPollInterval != time.Minute {
		t.Fatalf("poll intervals: got %v / %v", cfg.Engine.GuestPollInterval, cfg.Engine.AdminPollInterval)
	}
	if cfg.Persist.Backend != BackendSQLite {
		t.Fatalf("backend: got %q", cfg.Persist.Backend)
	}
	if !cfg.Outbox.Enabled || cfg.Outbox.BatchSize != 100 {
		t.Fatalf("outbox: got %+v", cfg.Outbox)
	}
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
nats:
  url: nats://yaml:4222
persist:
  backend: redis
engine:
  freeze_window: 500ms
  dedupe_window: 64
`)
	t.Setenv("UNREAD_NATS_URL", "nats://env:4222")
	t.Setenv("UNREAD_ENGINE_CLEAR_DELAY", "250ms")
	t.Setenv("UNREAD_PERSIST_SQLITE_PATH", "/tmp/badges.sqlite")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Fatalf("log level: got %q", cfg.Log.Level)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Fatalf("nats url: got %q", cfg.NATS.URL)
	}
	if cfg.Persist.Backend != BackendRedis {
		t.Fatalf("backend: got %q", cfg.Persist.Backend)
	}
	if cfg.Persist.SQLitePath != "/tmp/badges.sqlite" {
		t.Fatalf("sqlite path: got %q", cfg.Persist.SQLitePath)
	}
	if cfg.Engine.FreezeWindow != 500*time.Millisecond {
		t.Fatalf("freeze window: got %v", cfg.Engine.FreezeWindow)
	}
	if cfg.Engine.ClearDelay != 250*time.Millisecond {
		t.Fatalf("clear delay: got %v", cfg.Engine.ClearDelay)
	}
	if cfg.Engine.DedupeWindow != 64 {
		t.Fatalf("dedupe window: got %d", cfg.Engine.DedupeWindow)
	}
	if cfg.Engine.Failsafe != 2*time.Second {
		t.Fatalf("failsafe default lost: got %v", cfg.Engine.Failsafe)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "persist:\n  backend: floppy\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"negative dedupe", "engine:\n  dedupe_window: -1\n"},
		{"empty outbox batch", "outbox:\n  batch_size: 0\n"},
		{"malformed yaml", "engine: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
