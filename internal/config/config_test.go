package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/srv/llamas"
claude_bin = "/opt/claude/bin/claude"
model = "opus"
effort = "high"
system_prompt = "/srv/llamas/SYSTEM.md"
dice_settle_ms = 900
listen_addr = "0.0.0.0:7331"
tunnel_host = "https://tunnel.example.com"
tunnel_timeout_s = 10
tunnel_retry_ms = 500
mdns_enabled = true
tls = true
keep_awake = true
tls_cert_path = "/etc/llamas/host.crt"
tls_key_path = "/etc/llamas/host.key"
metrics_addr = "127.0.0.1:9090"
log_file = "/var/log/llamas.log"
command_rate = 5.5
command_burst = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"DataDir", cfg.DataDir, "/srv/llamas"},
		{"ClaudeBin", cfg.ClaudeBin, "/opt/claude/bin/claude"},
		{"Model", cfg.Model, "opus"},
		{"Effort", cfg.Effort, "high"},
		{"SystemPrompt", cfg.SystemPrompt, "/srv/llamas/SYSTEM.md"},
		{"DiceSettle", cfg.DiceSettle(), 900 * time.Millisecond},
		{"ListenAddr", cfg.ListenAddr, "0.0.0.0:7331"},
		{"TunnelHost", cfg.TunnelHost, "https://tunnel.example.com"},
		{"TunnelTimeout", cfg.TunnelTimeout(), 10 * time.Second},
		{"TunnelRetry", cfg.TunnelRetry(), 500 * time.Millisecond},
		{"MdnsEnabled", cfg.MdnsEnabled, true},
		{"TLS", cfg.TLS, true},
		{"KeepAwake", cfg.KeepAwake, true},
		{"CertPath", cfg.CertPath(), "/etc/llamas/host.crt"},
		{"KeyPath", cfg.KeyPath(), "/etc/llamas/host.key"},
		{"MetricsAddr", cfg.MetricsAddr, "127.0.0.1:9090"},
		{"LogPath", cfg.LogPath(), "/var/log/llamas.log"},
		{"RateLimit", cfg.RateLimit(), 5.5},
		{"CommandBurst", cfg.CommandBurst, 8},
		{"DatabasePath", cfg.DatabasePath(), "/srv/llamas/llamas.db"},
		{"GamesDir", cfg.GamesDir(), "/srv/llamas/games"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

// TestLoad_Defaults verifies an empty file yields the documented defaults.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !strings.HasSuffix(cfg.DataDir, AppDirName) {
		t.Errorf("DataDir = %q, want suffix %q", cfg.DataDir, AppDirName)
	}
	if cfg.ClaudeBin != "claude" {
		t.Errorf("ClaudeBin = %q", cfg.ClaudeBin)
	}
	if cfg.DiceSettle() != 1400*time.Millisecond {
		t.Errorf("DiceSettle = %v", cfg.DiceSettle())
	}
	if cfg.ListenAddr != "127.0.0.1:0" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.TunnelHost != "https://localtunnel.me" {
		t.Errorf("TunnelHost = %q", cfg.TunnelHost)
	}
	if cfg.TunnelTimeout() != 30*time.Second || cfg.TunnelRetry() != 3*time.Second {
		t.Errorf("tunnel timings = %v, %v", cfg.TunnelTimeout(), cfg.TunnelRetry())
	}
	if cfg.MdnsEnabled || cfg.MetricsAddr != "" {
		t.Errorf("optional services enabled by default: mdns=%v metrics=%q", cfg.MdnsEnabled, cfg.MetricsAddr)
	}
	if cfg.RateLimit() != 20 || cfg.CommandBurst != 40 {
		t.Errorf("rate = %v burst = %d", cfg.RateLimit(), cfg.CommandBurst)
	}
	if cfg.TLS || cfg.CertPath() != filepath.Join(cfg.DataDir, "certs", "host.crt") {
		t.Errorf("TLS = %v, CertPath = %q", cfg.TLS, cfg.CertPath())
	}
	if cfg.LogPath() != filepath.Join(cfg.DataDir, "llamas.log") {
		t.Errorf("LogPath = %q", cfg.LogPath())
	}
}

func TestLoad_NegativeRateDisablesLimit(t *testing.T) {
	cfg, err := Load(writeConfig(t, "command_rate = -1\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RateLimit() != 0 {
		t.Errorf("RateLimit() = %v, want 0", cfg.RateLimit())
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want not found", err)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "listen_addr = \n"))
	if err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoad_WrongType(t *testing.T) {
	if _, err := Load(writeConfig(t, "dice_settle_ms = \"slow\"\n")); err == nil {
		t.Error("expected error for string in integer field")
	}
}

// TestLoad_NoDefaultFile verifies that an absent default config is not an error.
func TestLoad_NoDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoad_DefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, AppDirName, "config.toml")
	os.MkdirAll(filepath.Dir(path), 0700)
	os.WriteFile(path, []byte("model = \"haiku\"\n"), 0600)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Model != "haiku" {
		t.Errorf("Model = %q, want haiku", cfg.Model)
	}
	if cfg.DataDir != filepath.Join(home, AppDirName) {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr || cfg.MdnsEnabled {
		t.Errorf("loaded = %+v", cfg)
	}
}

func TestWriteDefault_KeepsExisting(t *testing.T) {
	path := writeConfig(t, "model = \"opus\"\n")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "model = \"opus\"\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
}
