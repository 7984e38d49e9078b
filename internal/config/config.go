// Package config holds the browserd configuration tree. Durations are
// written as Go duration strings ("30s", "5m"); accessor methods apply the
// documented default when a field is absent or malformed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all browserd configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Pool      PoolConfig      `yaml:"pool"`
	Gate      GateConfig      `yaml:"gate"`
	Inject    InjectConfig    `yaml:"inject"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrowserConfig configures how each browser process is launched.
type BrowserConfig struct {
	BinPath           string `yaml:"bin_path"`
	Headless          bool   `yaml:"headless"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	UserAgent         string `yaml:"user_agent"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	TerminateGrace    string `yaml:"terminate_grace"`
}

// NavigationTimeoutDuration bounds tab navigation during snapshot replay.
func (c BrowserConfig) NavigationTimeoutDuration() time.Duration {
	return duration(c.NavigationTimeout, 30*time.Second)
}

// TerminateGraceDuration bounds clean shutdown before the process is killed.
func (c BrowserConfig) TerminateGraceDuration() time.Duration {
	return duration(c.TerminateGrace, 5*time.Second)
}

// PoolConfig configures the instance pool.
type PoolConfig struct {
	MinInstances        int    `yaml:"min_instances"`
	MaxInstances        int    `yaml:"max_instances"`
	WarmTarget          int    `yaml:"warm_target"`
	InstanceTTL         string `yaml:"instance_ttl"`
	HealthCheckInterval string `yaml:"health_check_interval"`
	QueueEnabled        bool   `yaml:"queue_enabled"`
	QueueTimeout        string `yaml:"queue_timeout"`
}

func (c PoolConfig) InstanceTTLDuration() time.Duration {
	return duration(c.InstanceTTL, 30*time.Minute)
}

func (c PoolConfig) HealthCheckIntervalDuration() time.Duration {
	return duration(c.HealthCheckInterval, 30*time.Second)
}

func (c PoolConfig) QueueTimeoutDuration() time.Duration {
	return duration(c.QueueTimeout, 15*time.Second)
}

// GateConfig configures the script safety gate. Enforcement defaults to on;
// switching it off requires an explicit enforce: false in the file.
type GateConfig struct {
	Enforce           bool   `yaml:"enforce"`
	WarningsAreErrors bool   `yaml:"warnings_are_errors"`
	PatternFile       string `yaml:"pattern_file"`
	WatchPatternFile  bool   `yaml:"watch_pattern_file"`
}

// InjectConfig configures fingerprint masking. PersonaFile points at a JSON
// persona document; empty selects the zero persona (webdriver masking only).
type InjectConfig struct {
	Enabled     bool   `yaml:"enabled"`
	PersonaFile string `yaml:"persona_file"`
}

// ProfilesConfig locates the profile store.
type ProfilesConfig struct {
	Root string `yaml:"root"`
}

// SnapshotsConfig locates the snapshot store.
type SnapshotsConfig struct {
	Root string `yaml:"root"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the default configuration. Stores live under
// ~/.browserd; the working directory is the fallback when the home
// directory cannot be resolved.
func DefaultConfig() *Config {
	base := ".browserd"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".browserd")
	}
	return &Config{
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
		Pool: PoolConfig{
			MaxInstances: 4,
			WarmTarget:   1,
			QueueEnabled: true,
		},
		Gate: GateConfig{
			Enforce: true,
		},
		Inject: InjectConfig{
			Enabled: true,
		},
		Profiles:  ProfilesConfig{Root: filepath.Join(base, "profiles")},
		Snapshots: SnapshotsConfig{Root: filepath.Join(base, "snapshots")},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, so absent fields keep their default
// values. A missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("pool.max_instances must be positive")
	}
	if c.Pool.MinInstances < 0 || c.Pool.MinInstances > c.Pool.MaxInstances {
		return fmt.Errorf("pool.min_instances must be within [0, pool.max_instances]")
	}
	if c.Pool.WarmTarget < 0 || c.Pool.WarmTarget > c.Pool.MaxInstances {
		return fmt.Errorf("pool.warm_target must be within [0, pool.max_instances]")
	}
	if c.Profiles.Root == "" {
		return fmt.Errorf("profiles.root must be set")
	}
	if c.Snapshots.Root == "" {
		return fmt.Errorf("snapshots.root must be set")
	}
	for _, f := range []struct{ name, val string }{
		{"browser.navigation_timeout", c.Browser.NavigationTimeout},
		{"browser.terminate_grace", c.Browser.TerminateGrace},
		{"pool.instance_ttl", c.Pool.InstanceTTL},
		{"pool.health_check_interval", c.Pool.HealthCheckInterval},
		{"pool.queue_timeout", c.Pool.QueueTimeout},
	} {
		if f.val == "" {
			continue
		}
		if _, err := time.ParseDuration(f.val); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
