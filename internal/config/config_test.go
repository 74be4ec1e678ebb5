package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
listen_addrs:
  - "0.0.0.0:443"
timeouts:
  connect: 5
  client_hello: 3
  idle: 120
metrics:
  enabled: true
  address: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxConnections != 10000 {
		t.Errorf("MaxConnections default = %d, want 10000", cfg.MaxConnections)
	}
	if cfg.ShutdownSec.Duration() != 30*time.Second {
		t.Errorf("ShutdownSec default = %v, want 30s", cfg.ShutdownSec.Duration())
	}
	if !cfg.Pool.Enabled {
		t.Error("Pool.Enabled default should be true when connection_pool section is absent")
	}
	if cfg.Pool.MaxPerHost != 100 {
		t.Errorf("Pool.MaxPerHost default = %d, want 100", cfg.Pool.MaxPerHost)
	}
	if cfg.Pool.ConnectionTTL.Duration() != 60*time.Second {
		t.Errorf("Pool.ConnectionTTL default = %v, want 60s", cfg.Pool.ConnectionTTL.Duration())
	}
	if cfg.Timeouts.Connect.Duration() != 5*time.Second {
		t.Errorf("Timeouts.Connect = %v, want 5s", cfg.Timeouts.Connect.Duration())
	}
}

func TestLoadPoolExplicitlyDisabled(t *testing.T) {
	path := writeTempConfig(t, `
listen_addrs: ["0.0.0.0:443"]
timeouts: {connect: 5, client_hello: 3, idle: 120}
metrics: {enabled: false, address: ""}
connection_pool:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Enabled {
		t.Error("Pool.Enabled should stay false when explicitly disabled")
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	path := writeTempConfig(t, `
listen_addrs: []
timeouts: {connect: 0, client_hello: 0, idle: 0}
metrics: {enabled: false}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for missing required fields")
	}
}

func TestLoadMetricsEnabledRequiresAddress(t *testing.T) {
	path := writeTempConfig(t, `
listen_addrs: ["0.0.0.0:443"]
timeouts: {connect: 5, client_hello: 3, idle: 120}
metrics: {enabled: true}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error when metrics enabled without address")
	}
}

func TestAllowlistNormalization(t *testing.T) {
	path := writeTempConfig(t, `
listen_addrs: ["0.0.0.0:443"]
timeouts: {connect: 5, client_hello: 3, idle: 120}
metrics: {enabled: false}
allowlist:
  - "  Example.COM  "
  - "*.Foo.COM"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"example.com", "*.foo.com"}
	if len(cfg.Allowlist) != len(want) {
		t.Fatalf("Allowlist = %v, want %v", cfg.Allowlist, want)
	}
	for i, p := range want {
		if cfg.Allowlist[i] != p {
			t.Errorf("Allowlist[%d] = %q, want %q", i, cfg.Allowlist[i], p)
		}
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
