package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connector.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8087" {
		t.Errorf("addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Session.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.ReinitCooldown != 2*time.Second {
		t.Errorf("cooldown = %v", cfg.Session.ReinitCooldown)
	}
	if cfg.Identity.DefaultCountryCode != "55" {
		t.Errorf("country code = %s", cfg.Identity.DefaultCountryCode)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %s", cfg.LogLevel)
	}
}

func TestLoadFileValues(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
http:
  addr: ":9000"
session:
  heartbeat_interval: 10s
  reconcile_window: 2m
identity:
  default_country_code: "1"
browser:
  headful: true
log_level: debug
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Session.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat = %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.ReconcileWindow != 2*time.Minute {
		t.Errorf("window = %v", cfg.Session.ReconcileWindow)
	}
	if cfg.Identity.DefaultCountryCode != "1" {
		t.Errorf("country code = %s", cfg.Identity.DefaultCountryCode)
	}
	if !cfg.Browser.Headful {
		t.Error("headful not set")
	}
}

func TestLoadFileMissingIsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "db/connector.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
}

func TestLoadFileEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7001")
	t.Setenv("DEFAULT_COUNTRY_CODE", "351")
	cfg, err := LoadFile(writeConfig(t, `
http:
  addr: ":9000"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7001" {
		t.Errorf("addr = %s, env override lost", cfg.HTTP.Addr)
	}
	if cfg.Identity.DefaultCountryCode != "351" {
		t.Errorf("country code = %s", cfg.Identity.DefaultCountryCode)
	}
}

func TestLoadFileMalformed(t *testing.T) {
	if _, err := LoadFile(writeConfig(t, "http: [not, a, map")); err == nil {
		t.Error("malformed yaml accepted")
	}
}
