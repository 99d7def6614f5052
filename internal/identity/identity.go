// Package identity manages the tunnel identity: the WireGuard key material,
// peer definition, and assigned address produced by the external registration
// tool. The provisioner guarantees an identity exists on disk before the
// tunnel interface is activated, registering a new one when none is found.
// It never deletes an identity; that is an operator action.
package identity

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/nylund/hopgate/internal/config"
)

// Identity is the parsed tunnel profile. It is created once by the
// provisioner and read-only afterwards.
type Identity struct {
	// PrivateKey is this device's WireGuard private key.
	PrivateKey config.Key

	// Address is the interface address with prefix, taken from the first
	// comma-separated token of the profile's Address field.
	Address netip.Prefix

	// Addresses holds every Address token as written in the profile.
	Addresses []string

	// DNS lists the resolver addresses from the profile, if any.
	DNS []string

	// MTU is the profile's MTU, or 0 when the profile does not set one.
	MTU int

	// PeerPublicKey, PeerEndpoint, and AllowedIPs describe the single
	// remote peer the tunnel connects to.
	PeerPublicKey config.Key
	PeerEndpoint  string
	AllowedIPs    []string

	// ProfilePath is where the profile was read from.
	ProfilePath string
}

// ParseError reports malformed identity data in a profile file. It is fatal:
// an identity that cannot be parsed blocks interface activation.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing profile field %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseProfile parses a WireGuard profile in the [Interface]/[Peer] format
// produced by the registration tool:
//
//	[Interface]
//	PrivateKey = <base64>
//	Address = 172.16.0.2/32, 2606:4700:.../128
//	DNS = 1.1.1.1, 1.0.0.1
//	MTU = 1280
//
//	[Peer]
//	PublicKey = <base64>
//	AllowedIPs = 0.0.0.0/0, ::/0
//	Endpoint = engage.cloudflareclient.com:2408
//
// The first comma-separated Address token becomes Identity.Address and must
// parse as an address with prefix.
func ParseProfile(data string) (*Identity, error) {
	id := &Identity{}
	section := ""

	for _, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case "interface":
			switch key {
			case "PrivateKey":
				k, err := config.ParseKey(value)
				if err != nil {
					return nil, &ParseError{Field: "PrivateKey", Err: err}
				}
				id.PrivateKey = k
			case "Address":
				id.Addresses = splitList(value)
			case "DNS":
				id.DNS = splitList(value)
			case "MTU":
				mtu, err := strconv.Atoi(value)
				if err != nil {
					return nil, &ParseError{Field: "MTU", Err: err}
				}
				id.MTU = mtu
			}
		case "peer":
			switch key {
			case "PublicKey":
				k, err := config.ParseKey(value)
				if err != nil {
					return nil, &ParseError{Field: "PublicKey", Err: err}
				}
				id.PeerPublicKey = k
			case "AllowedIPs":
				id.AllowedIPs = splitList(value)
			case "Endpoint":
				id.PeerEndpoint = value
			}
		}
	}

	if id.PrivateKey.IsZero() {
		return nil, &ParseError{Field: "PrivateKey", Err: fmt.Errorf("missing")}
	}
	if len(id.Addresses) == 0 {
		return nil, &ParseError{Field: "Address", Err: fmt.Errorf("missing")}
	}

	prefix, err := netip.ParsePrefix(id.Addresses[0])
	if err != nil {
		return nil, &ParseError{Field: "Address", Err: err}
	}
	id.Address = prefix

	if id.PeerPublicKey.IsZero() {
		return nil, &ParseError{Field: "PublicKey", Err: fmt.Errorf("missing")}
	}
	if id.PeerEndpoint == "" {
		return nil, &ParseError{Field: "Endpoint", Err: fmt.Errorf("missing")}
	}
	if len(id.AllowedIPs) == 0 {
		id.AllowedIPs = []string{"0.0.0.0/0", "::/0"}
	}

	return id, nil
}

// splitList splits a comma-separated profile value into trimmed tokens.
func splitList(value string) []string {
	var out []string
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
