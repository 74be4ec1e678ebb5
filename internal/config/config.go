// Package config loads and validates the proxy's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds decodes a plain YAML integer (seconds) into a time.Duration.
type Seconds time.Duration

// UnmarshalYAML accepts a bare integer number of seconds.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("expected integer seconds, got %q: %w", value.Value, err)
	}
	if n < 0 {
		return fmt.Errorf("duration must not be negative: %d", n)
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// Timeouts groups the three timeouts the dispatch pipeline enforces.
type Timeouts struct {
	Connect     Seconds `yaml:"connect"`
	ClientHello Seconds `yaml:"client_hello"`
	Idle        Seconds `yaml:"idle"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// PoolConfig controls the backend connection pool.
type PoolConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MaxPerHost      int     `yaml:"max_per_host"`
	ConnectionTTL   Seconds `yaml:"connection_ttl"`
	IdleTimeout     Seconds `yaml:"idle_timeout"`
	CleanupInterval Seconds `yaml:"cleanup_interval"`
}

// Config is an immutable configuration snapshot, shared read-only by all
// handlers. A reload builds a new snapshot and swaps the pointer; no
// snapshot is ever mutated after Load returns.
type Config struct {
	ListenAddrs    []string          `yaml:"listen_addrs"`
	UDPListenAddrs []string          `yaml:"udp_listen_addrs"`
	Timeouts       Timeouts          `yaml:"timeouts"`
	Metrics        MetricsConfig     `yaml:"metrics"`
	Allowlist      []string          `yaml:"allowlist"`
	MaxConnections int               `yaml:"max_connections"`
	ShutdownSec    Seconds           `yaml:"shutdown_timeout"`
	Pool           PoolConfig        `yaml:"connection_pool"`
	SSHRoutes      map[string]string `yaml:"ssh_routes"`
	LogLevel       string            `yaml:"log_level"`
	EnvFile        string            `yaml:"env_file"`
}

// applyDefaults fills in the documented defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10000
	}
	if c.ShutdownSec == 0 {
		c.ShutdownSec = Seconds(30 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.EnvFile == "" {
		c.EnvFile = ".env"
	}

	// connection_pool defaults. Enabled defaults to true unless explicitly
	// present and false; Load resolves that through rawConfig's *bool
	// before this runs.
	if c.Pool.MaxPerHost == 0 {
		c.Pool.MaxPerHost = 100
	}
	if c.Pool.ConnectionTTL == 0 {
		c.Pool.ConnectionTTL = Seconds(60 * time.Second)
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = Seconds(30 * time.Second)
	}
	if c.Pool.CleanupInterval == 0 {
		c.Pool.CleanupInterval = Seconds(10 * time.Second)
	}
}

// rawConfig mirrors Config but keeps connection_pool.enabled as a pointer so
// we can distinguish "absent" (defaults to true) from "explicitly false".
type rawConfig struct {
	ListenAddrs    []string          `yaml:"listen_addrs"`
	UDPListenAddrs []string          `yaml:"udp_listen_addrs"`
	Timeouts       Timeouts          `yaml:"timeouts"`
	Metrics        MetricsConfig     `yaml:"metrics"`
	Allowlist      []string          `yaml:"allowlist"`
	MaxConnections int               `yaml:"max_connections"`
	ShutdownSec    Seconds           `yaml:"shutdown_timeout"`
	Pool           struct {
		Enabled         *bool   `yaml:"enabled"`
		MaxPerHost      int     `yaml:"max_per_host"`
		ConnectionTTL   Seconds `yaml:"connection_ttl"`
		IdleTimeout     Seconds `yaml:"idle_timeout"`
		CleanupInterval Seconds `yaml:"cleanup_interval"`
	} `yaml:"connection_pool"`
	SSHRoutes map[string]string `yaml:"ssh_routes"`
	LogLevel  string            `yaml:"log_level"`
	EnvFile   string            `yaml:"env_file"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := &Config{
		ListenAddrs:    raw.ListenAddrs,
		UDPListenAddrs: raw.UDPListenAddrs,
		Timeouts:       raw.Timeouts,
		Metrics:        raw.Metrics,
		Allowlist:      normalizeAllowlist(raw.Allowlist),
		MaxConnections: raw.MaxConnections,
		ShutdownSec:    raw.ShutdownSec,
		Pool: PoolConfig{
			Enabled:         raw.Pool.Enabled == nil || *raw.Pool.Enabled,
			MaxPerHost:      raw.Pool.MaxPerHost,
			ConnectionTTL:   raw.Pool.ConnectionTTL,
			IdleTimeout:     raw.Pool.IdleTimeout,
			CleanupInterval: raw.Pool.CleanupInterval,
		},
		SSHRoutes: raw.SSHRoutes,
		LogLevel:  raw.LogLevel,
		EnvFile:   raw.EnvFile,
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeAllowlist lowercases and trims patterns so matching never has
// to re-normalize at lookup time.
func normalizeAllowlist(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}

// Validate checks required fields and value ranges, returning every problem
// found rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if len(c.ListenAddrs) == 0 {
		errs = append(errs, "listen_addrs is required and must be non-empty")
	}
	if c.Timeouts.Connect <= 0 {
		errs = append(errs, "timeouts.connect must be positive")
	}
	if c.Timeouts.ClientHello <= 0 {
		errs = append(errs, "timeouts.client_hello must be positive")
	}
	if c.Timeouts.Idle <= 0 {
		errs = append(errs, "timeouts.idle must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, "max_connections must be positive")
	}
	if c.Pool.Enabled && c.Pool.MaxPerHost <= 0 {
		errs = append(errs, "connection_pool.max_per_host must be positive when the pool is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
