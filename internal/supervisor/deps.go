//go:build linux

package supervisor

import (
	"context"
	"log/slog"

	"github.com/nylund/hopgate/internal/config"
	"github.com/nylund/hopgate/internal/control"
	"github.com/nylund/hopgate/internal/firewall"
	"github.com/nylund/hopgate/internal/identity"
	"github.com/nylund/hopgate/internal/probe"
	"github.com/nylund/hopgate/internal/proxyproc"
	"github.com/nylund/hopgate/internal/rotation"
	"github.com/nylund/hopgate/internal/routing"
	"github.com/nylund/hopgate/internal/tunnel"
)

// DefaultDeps returns the production implementations. Tests build a Deps by
// hand with recording fakes, since most of these require CAP_NET_ADMIN or
// external processes.
func DefaultDeps(cfg *config.Config, logger *slog.Logger) Deps {
	return Deps{
		Provisioner: identity.NewProvisioner(cfg.Tunnel, nil, logger),
		Tunnel:      &realTunnelManager{m: tunnel.NewManager(cfg.Tunnel, logger)},
		Routing:     routing.NewInstaller(cfg.Routing, logger),
		Firewall:    firewall.NewInstaller(logger),
		NewProber: func(ifName string) Prober {
			return probe.NewProber(cfg.Health.ProbeURL, ifName, cfg.Health.ProbeTimeout.Std(), logger)
		},
		Rotator: rotation.NewRotator(cfg.Rotation, logger),
		Proxies: proxyproc.NewSupervisor(cfg.Proxy, cfg.RestartDelay.Std(), logger),
		NewControlServer: func(provider control.StatusProvider) ControlServer {
			return control.NewServer(control.ResolveSocketPath(), provider, logger)
		},
	}
}

// realTunnelManager adapts *tunnel.Manager to the TunnelManager interface.
type realTunnelManager struct {
	m *tunnel.Manager
}

func (r *realTunnelManager) Activate(ctx context.Context, id *identity.Identity) (TunnelHandle, error) {
	iface, err := r.m.Activate(ctx, id)
	if err != nil {
		return nil, err
	}
	return iface, nil
}

func (r *realTunnelManager) Deactivate(h TunnelHandle) error {
	iface, _ := h.(*tunnel.ActiveInterface)
	return r.m.Deactivate(iface)
}
