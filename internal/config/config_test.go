package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "recurd.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./tasks.db
  busy_timeout: 5s
sweep:
  interval: 30s
  reminder_window: 12h
events:
  rate_per_sec: 10
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./tasks.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Sweep.Interval != "30s" || cfg.Sweep.ReminderWindow != "12h" {
		t.Fatalf("sweep = %+v", cfg.Sweep)
	}
	if cfg.Events.RatePerSec != 10 {
		t.Fatalf("events = %+v", cfg.Events)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "recurd.json",
		`{"storage": {"driver": "memory"}, "sweep": {"interval": "1m"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "recurd.yaml", `
storage:
  driver: memory
  flavour: vanilla
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "sqlite needs a path",
			content: `{"storage": {"driver": "sqlite"}}`,
			wantErr: "storage.path",
		},
		{
			name:    "unknown driver",
			content: `{"storage": {"driver": "etcd"}}`,
			wantErr: "unknown driver",
		},
		{
			name:    "bad duration",
			content: `{"storage": {"driver": "memory"}, "sweep": {"interval": "soon"}}`,
			wantErr: "sweep.interval",
		},
		{
			name:    "telegram without chat id",
			content: `{"storage": {"driver": "memory"}, "telegram": {"token": "x"}}`,
			wantErr: "telegram.chat_id",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "recurd.json", tt.content)
			_, err := NewManager(path).Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "3s", 42)
	if err != nil || d.Seconds() != 3 {
		t.Fatalf("set: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-3s", 42); err == nil {
		t.Fatal("negative duration should error")
	}
}
