// Package config loads the TOML configuration file for the host.
// The file lives at ~/.lairs-and-llamas/config.toml by default and can be
// overridden with the --config flag. CLI flags always take precedence over
// file values; defaults fill whatever neither sets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names map to snake_case keys in TOML via struct tags.
type Config struct {
	// DataDir holds the game database, game directories and the log file.
	// Default: ~/.lairs-and-llamas
	DataDir string `toml:"data_dir"`

	// ClaudeBin is the game master CLI executable.
	// Default: claude (resolved through PATH)
	ClaudeBin string `toml:"claude_bin"`

	// Model is the initial model when no switch has been persisted yet.
	Model string `toml:"model"`

	// Effort is the initial reasoning effort: low, medium or high.
	Effort string `toml:"effort"`

	// SystemPrompt is a file whose contents are appended to the game
	// master's system prompt.
	SystemPrompt string `toml:"system_prompt"`

	// DiceSettleMs is how long a dice roll animates before settling.
	// Default: 1400
	DiceSettleMs int `toml:"dice_settle_ms"`

	// ListenAddr is where the session server listens.
	// Default: 127.0.0.1:0 (any free port)
	ListenAddr string `toml:"listen_addr"`

	// TunnelHost is the localtunnel server used by --tunnel.
	// Default: https://localtunnel.me
	TunnelHost string `toml:"tunnel_host"`

	// TunnelTimeoutS bounds each relay open attempt in seconds.
	// Default: 30
	TunnelTimeoutS int `toml:"tunnel_timeout_s"`

	// TunnelRetryMs is the fixed delay between relay reconnect attempts.
	// Default: 3000
	TunnelRetryMs int `toml:"tunnel_retry_ms"`

	// MdnsEnabled advertises hosted games on the local network.
	// Discovery only reveals presence; the game secret is still required.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// TLS serves games over wss:// with a self-signed certificate. Players
	// pin the certificate fingerprint printed at startup.
	// Default: false
	TLS bool `toml:"tls"`

	// TLSCertPath and TLSKeyPath locate the certificate, which is generated
	// on first use.
	// Default: <data_dir>/certs/host.crt and <data_dir>/certs/host.key
	TLSCertPath string `toml:"tls_cert_path"`
	TLSKeyPath  string `toml:"tls_key_path"`

	// KeepAwake stops the machine from sleeping while it hosts a game.
	// Default: false
	KeepAwake bool `toml:"keep_awake"`

	// MetricsAddr serves Prometheus metrics when set.
	// Default: empty (disabled)
	MetricsAddr string `toml:"metrics_addr"`

	// LogFile receives log output. While the local terminal client runs,
	// logs go here even when unset.
	// Default: <data_dir>/llamas.log
	LogFile string `toml:"log_file"`

	// CommandRate is the per-client command limit per second. A negative
	// value disables limiting.
	// Default: 20
	CommandRate float64 `toml:"command_rate"`

	// CommandBurst is how many commands a client may send at once.
	// Default: 40
	CommandBurst int `toml:"command_burst"`
}

// DefaultConfigPath returns ~/.lairs-and-llamas/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, AppDirName, "config.toml"), nil
}

// WriteDefault creates a commented starter config at path. An existing
// file is never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Lairs & Llamas host configuration

# Where the session server listens; port 0 picks a free one
listen_addr = %q

# Game master CLI
claude_bin = %q

# How long dice animate before settling, in milliseconds
dice_settle_ms = %d

# Advertise hosted games on the local network
mdns_enabled = false
`, DefaultListenAddr, DefaultClaudeBin, DefaultDiceSettleMs)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the TOML config at path and fills unset values with defaults.
//
// With an empty path the default location is tried, and a missing file
// there is not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, AppDirName)
	}
	if c.ClaudeBin == "" {
		c.ClaudeBin = DefaultClaudeBin
	}
	if c.DiceSettleMs <= 0 {
		c.DiceSettleMs = DefaultDiceSettleMs
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.TunnelHost == "" {
		c.TunnelHost = DefaultTunnelHost
	}
	if c.TunnelTimeoutS <= 0 {
		c.TunnelTimeoutS = DefaultTunnelTimeoutS
	}
	if c.TunnelRetryMs <= 0 {
		c.TunnelRetryMs = DefaultTunnelRetryMs
	}
	if c.CommandRate == 0 {
		c.CommandRate = DefaultCommandRate
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = DefaultCommandBurst
	}
	return nil
}

// DatabasePath is the game store inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "llamas.db")
}

// GamesDir holds one working directory per game.
func (c *Config) GamesDir() string {
	return filepath.Join(c.DataDir, "games")
}

// LogPath is LogFile, or the default log inside DataDir.
func (c *Config) LogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, "llamas.log")
}

// CertPath is TLSCertPath, or the default certificate inside DataDir.
func (c *Config) CertPath() string {
	if c.TLSCertPath != "" {
		return c.TLSCertPath
	}
	return filepath.Join(c.DataDir, "certs", "host.crt")
}

// KeyPath is TLSKeyPath, or the default key inside DataDir.
func (c *Config) KeyPath() string {
	if c.TLSKeyPath != "" {
		return c.TLSKeyPath
	}
	return filepath.Join(c.DataDir, "certs", "host.key")
}

func (c *Config) DiceSettle() time.Duration {
	return time.Duration(c.DiceSettleMs) * time.Millisecond
}

func (c *Config) TunnelTimeout() time.Duration {
	return time.Duration(c.TunnelTimeoutS) * time.Second
}

func (c *Config) TunnelRetry() time.Duration {
	return time.Duration(c.TunnelRetryMs) * time.Millisecond
}

// RateLimit is the per-client command rate for the server; zero means
// unlimited.
func (c *Config) RateLimit() float64 {
	if c.CommandRate < 0 {
		return 0
	}
	return c.CommandRate
}
