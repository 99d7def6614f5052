//go:build linux

// Package probe checks connectivity through a specific network interface by
// asking an identity-echo endpoint for the observed egress address. Binding
// the probe socket to the interface keeps the check honest: a probe that
// leaks out the default route would report success for a dead tunnel.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// maxBodySize caps the echo response; the endpoint returns one address.
const maxBodySize = 256

// ProbeError reports a failed connectivity probe through an interface.
type ProbeError struct {
	Interface string
	Err       error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe via %s: %v", e.Interface, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Prober issues probes against an identity-echo endpoint through a named
// interface.
type Prober struct {
	url     string
	ifName  string
	timeout time.Duration
	client  *http.Client
	log     *slog.Logger
}

// NewProber creates a Prober that binds its sockets to ifName. An empty
// ifName skips the binding and probes over the default route.
func NewProber(url, ifName string, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			if ifName == "" {
				return nil
			}
			var bindErr error
			if err := c.Control(func(fd uintptr) {
				bindErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
			}); err != nil {
				return err
			}
			if bindErr != nil {
				return fmt.Errorf("binding socket to %s: %w", ifName, bindErr)
			}
			return nil
		},
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
			// Each probe must establish a fresh connection; a cached
			// connection would hide a broken tunnel.
			DisableKeepAlives: true,
		},
	}

	return &Prober{
		url:     url,
		ifName:  ifName,
		timeout: timeout,
		client:  client,
		log:     logger.With("component", "probe"),
	}
}

// Probe issues one request and returns the observed egress address.
func (p *Prober) Probe(ctx context.Context) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return netip.Addr{}, &ProbeError{Interface: p.ifName, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return netip.Addr{}, &ProbeError{Interface: p.ifName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, &ProbeError{
			Interface: p.ifName,
			Err:       fmt.Errorf("echo endpoint returned %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return netip.Addr{}, &ProbeError{Interface: p.ifName, Err: err}
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, &ProbeError{
			Interface: p.ifName,
			Err:       fmt.Errorf("parsing echo response %q: %w", strings.TrimSpace(string(body)), err),
		}
	}

	return addr, nil
}

// Verify probes repeatedly until one succeeds, waiting backoff between
// attempts. Used right after activation, when the tunnel handshake may not
// have completed yet. Returns the first observed egress address.
func (p *Prober) Verify(ctx context.Context, attempts int, backoff time.Duration) (netip.Addr, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return netip.Addr{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		addr, err := p.Probe(ctx)
		if err == nil {
			p.log.Info("connectivity verified", "egress", addr.String(), "attempt", i+1)
			return addr, nil
		}
		lastErr = err
		p.log.Debug("verification probe failed", "attempt", i+1, "error", err)
	}

	return netip.Addr{}, fmt.Errorf("connectivity not verified after %d attempts: %w", attempts, lastErr)
}
