package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nylund/hopgate/internal/config"
	"github.com/nylund/hopgate/internal/supervisor"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the proxy chain",
	Long: `Start the hopgate supervisor in the foreground: provision the tunnel
identity if needed, activate the tunnel interface, install routing and
filtering rules, verify connectivity, and run the rotation, health, and
proxy listener loops until SIGINT/SIGTERM.

Requires CAP_NET_ADMIN to create the TUN device and configure routing
and nftables. Run as root or grant the capability with:

  sudo setcap cap_net_admin+eip $(command -v hopgate)`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting hopgate", "config", resolvedConfigPath())

	sup := supervisor.New(cfg, supervisor.DefaultDeps(cfg, globalLogger), globalLogger)
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor error: %w", err)
	}
	return nil
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}
