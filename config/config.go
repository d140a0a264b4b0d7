// Package config handles connector configuration from a YAML file with
// environment-variable overrides. Every field has a working default so an
// empty file (or none at all) boots a usable instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level connector configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	Browser  BrowserConfig  `yaml:"browser"`
	Identity IdentityConfig `yaml:"identity"`
	Store    StoreConfig    `yaml:"store"`
	LogLevel string         `yaml:"log_level"` // debug | info | warn | error
}

// HTTPConfig controls the admin API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// AdminPasswordHash is a bcrypt hash checked on every admin request.
	// Overridable via ADMIN_PASSWORD_HASH.
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// SessionConfig controls the connection manager and reconciliation loops.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReinitCooldown    time.Duration `yaml:"reinit_cooldown"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileWindow   time.Duration `yaml:"reconcile_window"`
}

// BrowserConfig controls the headless Chrome behind the session.
type BrowserConfig struct {
	Remote      string `yaml:"remote"`
	UserDataDir string `yaml:"user_data_dir"`
	Headful     bool   `yaml:"headful"`
}

// IdentityConfig controls destination normalization.
type IdentityConfig struct {
	DefaultCountryCode string `yaml:"default_country_code"`
}

// StoreConfig controls SQLite persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoadFile reads a YAML configuration file and applies env overrides.
// A missing file is not an error; defaults plus env carry the instance.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, uerr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("ADMIN_PASSWORD_HASH"); v != "" {
		c.HTTP.AdminPasswordHash = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("BROWSER_REMOTE"); v != "" {
		c.Browser.Remote = v
	}
	if v := os.Getenv("BROWSER_DATA_DIR"); v != "" {
		c.Browser.UserDataDir = v
	}
	if v := os.Getenv("DEFAULT_COUNTRY_CODE"); v != "" {
		c.Identity.DefaultCountryCode = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8087"
	}
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = 30 * time.Second
	}
	if c.Session.ReinitCooldown <= 0 {
		c.Session.ReinitCooldown = 2 * time.Second
	}
	if c.Session.ReconcileInterval <= 0 {
		c.Session.ReconcileInterval = 10 * time.Second
	}
	if c.Session.ReconcileWindow <= 0 {
		c.Session.ReconcileWindow = 5 * time.Minute
	}
	if c.Identity.DefaultCountryCode == "" {
		c.Identity.DefaultCountryCode = "55"
	}
	if c.Store.Path == "" {
		c.Store.Path = "db/connector.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.UserDataDir == "" {
		c.Browser.UserDataDir = "data/chrome-profile"
	}
}
