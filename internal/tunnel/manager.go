//go:build linux

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/nylund/hopgate/internal/config"
	"github.com/nylund/hopgate/internal/identity"
)

// InterfaceError reports a failed step of interface activation or teardown.
// Activation errors are fatal to startup; the supervisor aborts and unwinds.
type InterfaceError struct {
	Step string
	Err  error
}

func (e *InterfaceError) Error() string {
	return fmt.Sprintf("tunnel interface (%s): %v", e.Step, e.Err)
}

func (e *InterfaceError) Unwrap() error { return e.Err }

// wgDevice is the slice of Device the manager needs. Tests substitute a fake.
type wgDevice interface {
	Name() (string, error)
	Configure(uapi string) error
	Up() error
	Wait() chan struct{}
	Close()
}

// deviceFactory creates the userspace WireGuard device.
type deviceFactory func(name string, mtu int, logger *slog.Logger) (wgDevice, error)

// netOps covers the kernel-side interface operations the manager performs.
// The production implementation drives raw netlink; tests record calls.
type netOps interface {
	LinkExists(name string) bool
	SetLinkDown(name string) error
	DeleteLink(name string) error
	AddAddress(name, cidr string) error
	SetLinkUp(name string) error
	SetForwarding(name string, enabled bool) error
}

type realNetOps struct{}

func (realNetOps) LinkExists(name string) bool              { return LinkExists(name) }
func (realNetOps) SetLinkDown(name string) error            { return SetLinkDown(name) }
func (realNetOps) DeleteLink(name string) error             { return DeleteLink(name) }
func (realNetOps) AddAddress(name, cidr string) error       { return AddAddress(name, cidr) }
func (realNetOps) SetLinkUp(name string) error              { return SetLinkUp(name) }
func (realNetOps) SetForwarding(name string, on bool) error { return SetForwarding(name, on) }

// ActiveInterface is a running tunnel interface: the userspace WireGuard
// device plus its kernel-side link state.
type ActiveInterface struct {
	name string
	addr netip.Prefix
	dev  wgDevice
}

// Name returns the actual interface name, which may differ from the
// configured one if the kernel renamed the TUN device.
func (a *ActiveInterface) Name() string { return a.name }

// Address returns the interface address from the tunnel identity.
func (a *ActiveInterface) Address() netip.Prefix { return a.addr }

// Wait returns a channel that is closed when the underlying WireGuard
// device stops for any reason.
func (a *ActiveInterface) Wait() chan struct{} { return a.dev.Wait() }

// Closed reports whether the underlying device has stopped. A stopped device
// under an interface that should be running is fatal: the data plane is gone
// and no rebuild can restore it in-process.
func (a *ActiveInterface) Closed() bool {
	select {
	case <-a.dev.Wait():
		return true
	default:
		return false
	}
}

// Manager activates and deactivates the tunnel interface.
type Manager struct {
	cfg       config.TunnelConfig
	newDevice deviceFactory
	net       netOps
	resolve   func(ctx context.Context, endpoint string) (string, error)
	log       *slog.Logger
}

// NewManager creates a Manager using the real wireguard-go device and raw
// netlink operations.
func NewManager(cfg config.TunnelConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		newDevice: func(name string, mtu int, logger *slog.Logger) (wgDevice, error) {
			return NewDevice(name, mtu, logger)
		},
		net:     realNetOps{},
		resolve: resolveEndpoint,
		log:     logger.With("component", "tunnel"),
	}
}

// Activate brings up the tunnel interface for the given identity:
// any leftover interface with the same name is torn down first, then the
// device is created, configured with the peer, addressed, and brought up.
// On any failure the partially created device is closed before returning.
func (m *Manager) Activate(ctx context.Context, id *identity.Identity) (*ActiveInterface, error) {
	name := m.cfg.Interface

	if m.net.LinkExists(name) {
		m.log.Warn("leftover tunnel interface found, removing", "interface", name)
		if err := m.net.SetLinkDown(name); err != nil {
			m.log.Debug("bringing down leftover interface", "error", err)
		}
		if err := m.net.DeleteLink(name); err != nil {
			return nil, &InterfaceError{Step: "cleanup", Err: err}
		}
	}

	mtu := id.MTU
	if mtu == 0 {
		mtu = m.cfg.MTU
	}

	dev, err := m.newDevice(name, mtu, m.log)
	if err != nil {
		return nil, &InterfaceError{Step: "create", Err: err}
	}

	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, &InterfaceError{Step: "create", Err: err}
	}
	if actualName != name {
		m.log.Warn("interface renamed by kernel", "requested", name, "actual", actualName)
	}

	endpoint, err := m.resolve(ctx, id.PeerEndpoint)
	if err != nil {
		dev.Close()
		return nil, &InterfaceError{Step: "resolve", Err: err}
	}

	uapi := BuildUAPIConfig(id.PrivateKey, PeerConfig{
		PublicKey:           id.PeerPublicKey,
		Endpoint:            endpoint,
		AllowedIPs:          id.AllowedIPs,
		PersistentKeepalive: DefaultKeepaliveSeconds,
	})
	if err := dev.Configure(uapi); err != nil {
		dev.Close()
		return nil, &InterfaceError{Step: "configure", Err: err}
	}

	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, &InterfaceError{Step: "device-up", Err: err}
	}

	if err := m.net.AddAddress(actualName, id.Address.String()); err != nil {
		dev.Close()
		return nil, &InterfaceError{Step: "address", Err: err}
	}

	if err := m.net.SetLinkUp(actualName); err != nil {
		dev.Close()
		return nil, &InterfaceError{Step: "link-up", Err: err}
	}

	// Forwarding is needed so the interface can carry traffic from the
	// proxy listeners. Not fatal: some containers disallow the setting
	// but already forward globally.
	if err := m.net.SetForwarding(actualName, true); err != nil {
		m.log.Warn("enabling forwarding", "interface", actualName, "error", err)
	}

	m.log.Info("tunnel interface active",
		"interface", actualName,
		"address", id.Address.String(),
		"endpoint", endpoint,
	)

	return &ActiveInterface{
		name: actualName,
		addr: id.Address,
		dev:  dev,
	}, nil
}

// Deactivate tears down an active interface: the userspace device is closed
// and any remaining kernel link is removed. Safe to call with a nil
// interface or after the device already died; an interface that is already
// gone is success, not an error.
func (m *Manager) Deactivate(iface *ActiveInterface) error {
	if iface == nil {
		return nil
	}

	iface.dev.Close()

	if !m.net.LinkExists(iface.name) {
		m.log.Info("tunnel interface removed", "interface", iface.name)
		return nil
	}

	if err := m.net.SetLinkDown(iface.name); err != nil {
		m.log.Debug("bringing down interface", "error", err)
	}
	if err := m.net.DeleteLink(iface.name); err != nil && !errors.Is(err, unix.ENODEV) {
		return &InterfaceError{Step: "delete", Err: err}
	}

	m.log.Info("tunnel interface removed", "interface", iface.name)
	return nil
}

// resolveEndpoint resolves a host:port endpoint to IP:port. The WireGuard
// UAPI endpoint must be a literal address; hostnames are resolved here, at
// activation time.
func resolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return endpoint, nil
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolving endpoint host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for endpoint host %q", host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}
