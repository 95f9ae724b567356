package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv() []string { return nil }

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load("", noEnv)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, defaultPort)
	}
	if cfg.Sync.Delay != defaultSyncDelay || cfg.Sync.MinInterval != defaultMinInterval {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if !cfg.Sync.Watch {
		t.Error("Sync.Watch = false, want true")
	}
	if cfg.Log.Format != LogFormatText {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if cfg.DataDir == "" || cfg.DeviceName == "" {
		t.Errorf("DataDir = %q, DeviceName = %q", cfg.DataDir, cfg.DeviceName)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notesync.yaml")
	content := `data_dir: /var/lib/notesync
device_name: laptop
author:
  name: Alice
  email: alice@example.com
server:
  port: 9000
  token: file-token
sync:
  delay: 2s
  fallback_side: theirs
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	environ := func() []string {
		return []string{
			"NOTESYNC_SERVER_PORT=9100",
			"NOTESYNC_SYNC_MIN_INTERVAL=1m",
			"NOTESYNC_LOG_FORMAT=json",
			"HOME=/root",
		}
	}

	cfg, err := load(path, environ)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.DataDir != "/var/lib/notesync" || cfg.DeviceName != "laptop" {
		t.Errorf("DataDir = %q, DeviceName = %q", cfg.DataDir, cfg.DeviceName)
	}
	if cfg.Author.Name != "Alice" || cfg.Author.Email != "alice@example.com" {
		t.Errorf("Author = %+v", cfg.Author)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want the env value 9100", cfg.Server.Port)
	}
	if cfg.Server.Token != "file-token" {
		t.Errorf("Server.Token = %q", cfg.Server.Token)
	}
	if cfg.Sync.Delay != 2*time.Second || cfg.Sync.MinInterval != time.Minute {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.FallbackSide != "theirs" {
		t.Errorf("Sync.FallbackSide = %q", cfg.Sync.FallbackSide)
	}
	if cfg.Log.Format != LogFormatJSON {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := load(filepath.Join(t.TempDir(), "missing.yaml"), noEnv); err == nil {
		t.Error("load() of a missing file should fail")
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     string
		wantErr string
	}{
		{name: "log format", env: "NOTESYNC_LOG_FORMAT=xml", wantErr: "Format"},
		{name: "port", env: "NOTESYNC_SERVER_PORT=70000", wantErr: "Port"},
		{name: "fallback side", env: "NOTESYNC_SYNC_FALLBACK_SIDE=both", wantErr: "FallbackSide"},
		{name: "negative delay", env: "NOTESYNC_SYNC_DELAY=-1s", wantErr: "Delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := load("", func() []string { return []string{tt.env} })
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("load() error = %v, want one mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"NOTESYNC_DATA_DIR":           "data_dir",
		"NOTESYNC_DEVICE_NAME":        "device_name",
		"NOTESYNC_SERVER_PORT":        "server.port",
		"NOTESYNC_SYNC_MIN_INTERVAL":  "sync.min_interval",
		"NOTESYNC_SYNC_FALLBACK_SIDE": "sync.fallback_side",
		"NOTESYNC_AUTHOR_EMAIL":       "author.email",
	}

	for in, want := range tests {
		if got, _ := envKey(in, "x"); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
