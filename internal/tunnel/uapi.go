package tunnel

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nylund/hopgate/internal/config"
)

// DefaultKeepaliveSeconds keeps the tunnel's NAT mapping warm. The gateway
// always sits behind the peer's ingress, so a keepalive is unconditional.
const DefaultKeepaliveSeconds = 25

// PeerConfig describes the single remote peer of the tunnel.
type PeerConfig struct {
	// PublicKey is the peer's WireGuard public key.
	PublicKey config.Key

	// Endpoint is the peer's resolved endpoint as IP:port. The standard
	// UDP bind does not resolve hostnames, so resolution happens before
	// the UAPI string is built.
	Endpoint string

	// AllowedIPs is the list of IP prefixes routed through the peer
	// (CIDR notation). For a full-tunnel gateway this is 0.0.0.0/0, ::/0.
	AllowedIPs []string

	// PersistentKeepalive is the keepalive interval in seconds. Zero disables it.
	PersistentKeepalive int
}

// hexKey returns the hex-encoded string of a WireGuard key.
// The UAPI/IPC format requires hex encoding (not base64).
func hexKey(k config.Key) string {
	return hex.EncodeToString(k[:])
}

// BuildUAPIConfig generates the UAPI/IPC configuration string for
// wireguard-go's Device.IpcSet: newline-delimited key=value pairs with
// device-level keys first, then the peer section starting at public_key=.
func BuildUAPIConfig(privateKey config.Key, peer PeerConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "private_key=%s\n", hexKey(privateKey))
	b.WriteString("replace_peers=true\n")

	fmt.Fprintf(&b, "public_key=%s\n", hexKey(peer.PublicKey))
	if peer.Endpoint != "" {
		fmt.Fprintf(&b, "endpoint=%s\n", peer.Endpoint)
	}

	b.WriteString("replace_allowed_ips=true\n")
	for _, ip := range peer.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", ip)
	}

	if peer.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", peer.PersistentKeepalive)
	}

	return b.String()
}
