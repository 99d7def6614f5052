package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so intervals can be written as "60s" or
// "5m" in the TOML file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration for hopgate.
// It is persisted as a TOML file at DefaultConfigPath.
type Config struct {
	Tunnel   TunnelConfig   `toml:"tunnel"`
	Routing  RoutingConfig  `toml:"routing"`
	Health   HealthConfig   `toml:"health"`
	Rotation RotationConfig `toml:"rotation"`
	Proxy    ProxyConfig    `toml:"proxy"`

	// RestartDelay is the pause between proxy listener restarts.
	RestartDelay Duration `toml:"restart_delay"`

	// TeardownBudget bounds how long the Terminating phase may take before
	// remaining cleanup is abandoned and logged.
	TeardownBudget Duration `toml:"teardown_budget"`
}

// TunnelConfig describes the WireGuard tunnel interface and the identity
// files the provisioner manages.
type TunnelConfig struct {
	// Interface is the tunnel interface name (e.g. "hop0").
	Interface string `toml:"interface"`

	// MTU for the tunnel interface. The WARP profile default is 1280.
	MTU int `toml:"mtu"`

	// ProfilePath is the canonical location of the WireGuard profile
	// ([Interface]/[Peer] format) produced by registration.
	ProfilePath string `toml:"profile_path"`

	// AccountPath is the account file written by the registration tool.
	// Its presence alongside the profile means no registration is needed.
	AccountPath string `toml:"account_path"`

	// RegisterCommand and GenerateCommand are the external registration
	// calls run when no identity exists on disk. GenerateCommand must
	// leave its profile at GeneratedProfile in the working directory.
	RegisterCommand []string `toml:"register_command"`
	GenerateCommand []string `toml:"generate_command"`

	// GeneratedProfile is the file name the generate step produces before
	// the provisioner relocates it to ProfilePath.
	GeneratedProfile string `toml:"generated_profile"`
}

// RoutingConfig selects the dedicated policy-routing table.
type RoutingConfig struct {
	// Table is the routing table that holds the tunnel default route.
	Table int `toml:"table"`

	// RulePriority is the preference of the source-address rule that
	// directs tunnel-sourced traffic into Table.
	RulePriority int `toml:"rule_priority"`
}

// HealthConfig controls the periodic connectivity check and the initial
// post-activation verification.
type HealthConfig struct {
	Interval  Duration `toml:"interval"`
	Threshold int      `toml:"threshold"`

	// ProbeURL is an identity-echo endpoint that returns the caller's
	// observed source address in its response body.
	ProbeURL     string   `toml:"probe_url"`
	ProbeTimeout Duration `toml:"probe_timeout"`

	// VerifyAttempts and VerifyBackoff bound the initial verification
	// retries after interface activation.
	VerifyAttempts int      `toml:"verify_attempts"`
	VerifyBackoff  Duration `toml:"verify_backoff"`
}

// RotationConfig controls the Tor circuit rotation loop.
type RotationConfig struct {
	Interval Duration `toml:"interval"`

	// ControlAddress is the Tor control port (host:port).
	ControlAddress string `toml:"control_address"`

	// ControlPassword is the control port password. Empty means
	// null authentication.
	ControlPassword string `toml:"control_password"`

	// TorPIDFile locates the Tor daemon's pid file for liveness checks.
	TorPIDFile string `toml:"tor_pid_file"`
}

// ProxyConfig holds the two forward-proxy listener definitions.
type ProxyConfig struct {
	SOCKS ListenerConfig `toml:"socks"`
	HTTP  ListenerConfig `toml:"http"`
}

// ListenerConfig describes one supervised forward-proxy listener process.
type ListenerConfig struct {
	Enabled bool     `toml:"enabled"`
	Port    int      `toml:"port"`
	Command []string `toml:"command"`
}

// DefaultConfigPath is the default location of the hopgate config file.
const DefaultConfigPath = "/etc/hopgate/config.toml"

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			Interface:        "hop0",
			MTU:              1280,
			ProfilePath:      "/etc/hopgate/wg-profile.conf",
			AccountPath:      "/etc/hopgate/wgcf-account.toml",
			RegisterCommand:  []string{"wgcf", "register", "--accept-tos"},
			GenerateCommand:  []string{"wgcf", "generate"},
			GeneratedProfile: "wgcf-profile.conf",
		},
		Routing: RoutingConfig{
			Table:        200,
			RulePriority: 200,
		},
		Health: HealthConfig{
			Interval:       Duration(60 * time.Second),
			Threshold:      3,
			ProbeURL:       "https://api.ipify.org",
			ProbeTimeout:   Duration(10 * time.Second),
			VerifyAttempts: 10,
			VerifyBackoff:  Duration(5 * time.Second),
		},
		Rotation: RotationConfig{
			Interval:       Duration(300 * time.Second),
			ControlAddress: "127.0.0.1:9051",
			TorPIDFile:     "/run/tor/tor.pid",
		},
		Proxy: ProxyConfig{
			SOCKS: ListenerConfig{
				Enabled: true,
				Port:    1080,
				Command: []string{"microsocks", "-i", "0.0.0.0", "-p", "1080"},
			},
			HTTP: ListenerConfig{
				Enabled: true,
				Port:    8118,
				Command: []string{"tinyproxy", "-d"},
			},
		},
		RestartDelay:   Duration(5 * time.Second),
		TeardownBudget: Duration(15 * time.Second),
	}
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// Defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 since the rotation section may carry a control password.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// Validate checks that the configuration is internally usable before the
// supervisor starts. It catches the mistakes that would otherwise fail
// halfway through activation.
func (c *Config) Validate() error {
	if c.Tunnel.Interface == "" {
		return errors.New("tunnel.interface is required")
	}
	if c.Tunnel.ProfilePath == "" {
		return errors.New("tunnel.profile_path is required")
	}
	if c.Health.Threshold < 1 {
		return fmt.Errorf("health.threshold must be at least 1, got %d", c.Health.Threshold)
	}
	if c.Health.Interval.Std() <= 0 {
		return errors.New("health.interval must be positive")
	}
	if c.Rotation.Interval.Std() <= 0 {
		return errors.New("rotation.interval must be positive")
	}
	if c.Routing.Table <= 0 {
		return fmt.Errorf("routing.table %d is out of range", c.Routing.Table)
	}
	if c.Proxy.SOCKS.Enabled && len(c.Proxy.SOCKS.Command) == 0 {
		return errors.New("proxy.socks.command is required when the SOCKS listener is enabled")
	}
	if c.Proxy.HTTP.Enabled && len(c.Proxy.HTTP.Command) == 0 {
		return errors.New("proxy.http.command is required when the HTTP listener is enabled")
	}
	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Tunnel.MTU <= 0 {
		cfg.Tunnel.MTU = def.Tunnel.MTU
	}
	if cfg.Tunnel.GeneratedProfile == "" {
		cfg.Tunnel.GeneratedProfile = def.Tunnel.GeneratedProfile
	}
	if len(cfg.Tunnel.RegisterCommand) == 0 {
		cfg.Tunnel.RegisterCommand = append([]string(nil), def.Tunnel.RegisterCommand...)
	}
	if len(cfg.Tunnel.GenerateCommand) == 0 {
		cfg.Tunnel.GenerateCommand = append([]string(nil), def.Tunnel.GenerateCommand...)
	}
	if cfg.Routing.RulePriority == 0 {
		cfg.Routing.RulePriority = def.Routing.RulePriority
	}
	if cfg.Health.ProbeURL == "" {
		cfg.Health.ProbeURL = def.Health.ProbeURL
	}
	if cfg.Health.ProbeTimeout.Std() <= 0 {
		cfg.Health.ProbeTimeout = def.Health.ProbeTimeout
	}
	if cfg.Health.VerifyAttempts <= 0 {
		cfg.Health.VerifyAttempts = def.Health.VerifyAttempts
	}
	if cfg.Health.VerifyBackoff.Std() <= 0 {
		cfg.Health.VerifyBackoff = def.Health.VerifyBackoff
	}
	if cfg.Rotation.ControlAddress == "" {
		cfg.Rotation.ControlAddress = def.Rotation.ControlAddress
	}
	if cfg.RestartDelay.Std() <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.TeardownBudget.Std() <= 0 {
		cfg.TeardownBudget = def.TeardownBudget
	}
}
