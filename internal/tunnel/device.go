package tunnel

import (
	"fmt"
	"log/slog"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU is used when neither the profile nor the configuration sets an
// MTU. The WARP profile default leaves generous room for the double
// encapsulation of the proxy chain.
const DefaultMTU = 1280

// Device wraps a wireguard-go device and its TUN interface. It manages the
// lifecycle: creation, UAPI configuration, bring-up, and shutdown. The
// transport is the standard UDP bind; the peer endpoint must therefore be
// resolved to an IP before configuration.
type Device struct {
	tunDev tun.Device
	wgDev  *device.Device
	log    *slog.Logger
}

// NewDevice creates a kernel TUN device with the given name and MTU and
// attaches a wireguard-go device to it. The device is created down and
// unconfigured; call Configure and Up.
// Requires CAP_NET_ADMIN.
func NewDevice(name string, mtu int, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	tunDev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("creating TUN device %q: %w", name, err)
	}

	// Adapt slog to wireguard-go's Logger format.
	wgLogger := &device.Logger{
		Verbosef: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "wireguard")
		},
		Errorf: func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...), "component", "wireguard")
		},
	}

	wgDev := device.NewDevice(tunDev, conn.NewDefaultBind(), wgLogger)

	return &Device{
		tunDev: tunDev,
		wgDev:  wgDev,
		log:    logger,
	}, nil
}

// Name returns the actual interface name, which may differ from the
// requested one if the OS renamed it.
func (d *Device) Name() (string, error) {
	return d.tunDev.Name()
}

// Configure applies a UAPI configuration string (key material and peer) to
// the device via wireguard-go's IPC interface.
func (d *Device) Configure(uapi string) error {
	if err := d.wgDev.IpcSet(uapi); err != nil {
		return fmt.Errorf("configuring WireGuard device: %w", err)
	}
	return nil
}

// Up starts the device's encrypt/decrypt workers.
func (d *Device) Up() error {
	if err := d.wgDev.Up(); err != nil {
		return fmt.Errorf("bringing up WireGuard device: %w", err)
	}
	d.log.Info("WireGuard device started")
	return nil
}

// Wait returns a channel that is closed when the WireGuard device shuts
// down, whether by Close or by an internal failure. The health monitor uses
// it as the tunnel liveness signal.
func (d *Device) Wait() chan struct{} {
	return d.wgDev.Wait()
}

// Close shuts down the WireGuard device and closes the TUN interface.
func (d *Device) Close() {
	d.wgDev.Close()
	// wireguard-go closes the TUN on device shutdown; double-close is harmless.
	if err := d.tunDev.Close(); err != nil {
		d.log.Debug("closing TUN device", "error", err)
	}
	d.log.Info("WireGuard device stopped")
}
