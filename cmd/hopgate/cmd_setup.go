package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nylund/hopgate/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively create a hopgate configuration",
	Long: `Walk through the configuration options and write the config file.
Existing values are offered as defaults when a config file is already
present.

The config file lives at /etc/hopgate/config.toml by default, so setup
usually needs root:
  sudo hopgate setup`,
	RunE: runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	// Start from the existing config when there is one.
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		cfg = config.DefaultConfig()
	} else {
		fmt.Fprintf(os.Stderr, "Existing config found: %s\n", cfgPath)
	}

	var (
		ifName       = cfg.Tunnel.Interface
		probeURL     = cfg.Health.ProbeURL
		rotation     = cfg.Rotation.Interval.Std().String()
		controlAddr  = cfg.Rotation.ControlAddress
		controlPass  = cfg.Rotation.ControlPassword
		socksEnabled = cfg.Proxy.SOCKS.Enabled
		socksPort    = strconv.Itoa(cfg.Proxy.SOCKS.Port)
		httpEnabled  = cfg.Proxy.HTTP.Enabled
		httpPort     = strconv.Itoa(cfg.Proxy.HTTP.Port)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tunnel interface name").
				Value(&ifName),
			huh.NewInput().
				Title("Identity-echo probe URL").
				Description("HTTP endpoint that returns the caller's IP address").
				Value(&probeURL),
			huh.NewInput().
				Title("Circuit rotation interval").
				Description("Go duration, e.g. 300s or 5m").
				Value(&rotation).
				Validate(validDuration),
			huh.NewInput().
				Title("Tor control address").
				Value(&controlAddr),
			huh.NewInput().
				Title("Tor control password").
				Description("Leave empty for cookie/no authentication").
				EchoMode(huh.EchoModePassword).
				Value(&controlPass),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable SOCKS listener?").
				Value(&socksEnabled),
			huh.NewInput().
				Title("SOCKS port").
				Value(&socksPort).
				Validate(validPort),
			huh.NewConfirm().
				Title("Enable HTTP listener?").
				Value(&httpEnabled),
			huh.NewInput().
				Title("HTTP port").
				Value(&httpPort).
				Validate(validPort),
		),
	).WithTheme(setupTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	cfg.Tunnel.Interface = ifName
	cfg.Health.ProbeURL = probeURL
	rotationDur, _ := time.ParseDuration(rotation)
	cfg.Rotation.Interval = config.Duration(rotationDur)
	cfg.Rotation.ControlAddress = controlAddr
	cfg.Rotation.ControlPassword = controlPass
	cfg.Proxy.SOCKS.Enabled = socksEnabled
	cfg.Proxy.SOCKS.Port, _ = strconv.Atoi(socksPort)
	cfg.Proxy.HTTP.Enabled = httpEnabled
	cfg.Proxy.HTTP.Port, _ = strconv.Atoi(httpPort)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Config written to %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Run 'hopgate up' to start the proxy chain.\n")
	return nil
}

func validDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("not a duration (e.g. 300s)")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validPort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("must be a port number (1-65535)")
	}
	return nil
}
