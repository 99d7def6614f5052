//go:build linux

package tunnel

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nylund/hopgate/internal/netlink"
)

// Kernel-side interface operations over raw rtnetlink. The message framing
// lives in internal/netlink; this file builds the interface-specific
// messages.

// AddAddress assigns an IP address in CIDR notation to a network interface.
// This replaces `ip addr add <cidr> dev <ifName>`.
func AddAddress(ifName string, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}

	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	family := uint8(unix.AF_INET)
	ipBytes := ip.To4()
	if ipBytes == nil {
		family = unix.AF_INET6
		ipBytes = ip.To16()
	}
	prefixLen, _ := ipNet.Mask.Size()

	msg := buildNewAddrMsg(ifIndex, family, uint8(prefixLen), ipBytes)
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("adding address %s to %s: %w", cidr, ifName, err)
	}
	return nil
}

// SetLinkUp brings a network interface into the UP state.
// This replaces `ip link set <ifName> up`.
func SetLinkUp(ifName string) error {
	return setLinkFlags(ifName, unix.IFF_UP, unix.IFF_UP, "up")
}

// SetLinkDown takes a network interface out of the UP state.
// This replaces `ip link set <ifName> down`.
func SetLinkDown(ifName string) error {
	return setLinkFlags(ifName, 0, unix.IFF_UP, "down")
}

func setLinkFlags(ifName string, flags, change uint32, verb string) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	msg := buildLinkFlagsMsg(ifIndex, flags, change)
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("setting %s %s: %w", ifName, verb, err)
	}
	return nil
}

// DeleteLink removes a network interface entirely.
// This replaces `ip link delete <ifName>`.
func DeleteLink(ifName string) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	msg := buildDelLinkMsg(ifIndex)
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("deleting link %s: %w", ifName, err)
	}
	return nil
}

// LinkExists reports whether an interface with the given name is present.
func LinkExists(ifName string) bool {
	_, err := net.InterfaceByName(ifName)
	return err == nil
}

// interfaceIndex returns the kernel interface index for the named interface.
func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

// buildNewAddrMsg constructs an RTM_NEWADDR netlink message.
func buildNewAddrMsg(ifIndex int32, family uint8, prefixLen uint8, addr []byte) []byte {
	// Attributes: IFA_LOCAL + IFA_ADDRESS.
	attrsLen := netlink.AttrSpace(len(addr)) * 2

	buf := make([]byte, netlink.HdrLen+netlink.IfAddrmsgLen+attrsLen)
	netlink.PutHeader(buf, unix.RTM_NEWADDR,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)

	// ifaddrmsg
	off := netlink.HdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+2] = 0 // ifa_flags
	buf[off+3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = netlink.HdrLen + netlink.IfAddrmsgLen
	off = netlink.PutAttr(buf, off, unix.IFA_LOCAL, addr)
	netlink.PutAttr(buf, off, unix.IFA_ADDRESS, addr)

	return buf
}

// buildLinkFlagsMsg constructs an RTM_NEWLINK message that updates the
// interface flags named in the change mask.
func buildLinkFlagsMsg(ifIndex int32, flags, change uint32) []byte {
	buf := make([]byte, netlink.HdrLen+netlink.IfInfomsgLen)
	netlink.PutHeader(buf, unix.RTM_NEWLINK, unix.NLM_F_REQUEST|unix.NLM_F_ACK)

	off := netlink.HdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], flags)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], change)

	return buf
}

// buildDelLinkMsg constructs an RTM_DELLINK message for the given interface.
func buildDelLinkMsg(ifIndex int32) []byte {
	buf := make([]byte, netlink.HdrLen+netlink.IfInfomsgLen)
	netlink.PutHeader(buf, unix.RTM_DELLINK, unix.NLM_F_REQUEST|unix.NLM_F_ACK)

	off := netlink.HdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	return buf
}

// --- IPv4 forwarding ---
//
// Per-interface IPv4 forwarding is controlled via the IFLA_AF_SPEC > AF_INET >
// IFLA_INET_CONF netlink attribute. This avoids writing to /proc/sys, which
// requires CAP_DAC_OVERRIDE; the netlink path only needs CAP_NET_ADMIN.
// The devconf indexes are defined in include/uapi/linux/ip.h;
// IPV4_DEVCONF_FORWARDING = 1.

const ipv4DevconfForwarding = 1

// GetForwarding reads the current IPv4 forwarding state for an interface
// from /proc/sys, which is world-readable.
func GetForwarding(ifName string) (bool, error) {
	path := fmt.Sprintf("/proc/sys/net/ipv4/conf/%s/forwarding", ifName)
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading forwarding state for %s: %w", ifName, err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// SetForwarding enables or disables IPv4 forwarding on a network interface
// using RTM_SETLINK with IFLA_AF_SPEC.
func SetForwarding(ifName string, enabled bool) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	msg := buildSetForwardingMsg(ifIndex, enabled)
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("setting forwarding on %s: %w", ifName, err)
	}
	return nil
}

// buildSetForwardingMsg constructs an RTM_SETLINK message with nested
// IFLA_AF_SPEC > AF_INET > IFLA_INET_CONF attributes:
//
//	nlmsghdr
//	ifinfomsg
//	IFLA_AF_SPEC (nested) {
//	    AF_INET (nested) {
//	        IFLA_INET_CONF: [type=IPV4_DEVCONF_FORWARDING, value=0|1]
//	    }
//	}
func buildSetForwardingMsg(ifIndex int32, enabled bool) []byte {
	val := uint32(0)
	if enabled {
		val = 1
	}

	inetConfAttrLen := netlink.RtAttrLen + netlink.AttrSpace(4)
	afInetAttrLen := netlink.RtAttrLen + netlink.AlignLen(inetConfAttrLen)
	afSpecAttrLen := netlink.RtAttrLen + netlink.AlignLen(afInetAttrLen)

	buf := make([]byte, netlink.HdrLen+netlink.IfInfomsgLen+netlink.AlignLen(afSpecAttrLen))
	netlink.PutHeader(buf, unix.RTM_SETLINK, unix.NLM_F_REQUEST|unix.NLM_F_ACK)

	off := netlink.HdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = netlink.HdrLen + netlink.IfInfomsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(afSpecAttrLen))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.NLA_F_NESTED|unix.IFLA_AF_SPEC)

	off += netlink.RtAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(afInetAttrLen))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.NLA_F_NESTED|unix.AF_INET)

	off += netlink.RtAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(inetConfAttrLen))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFLA_INET_CONF)

	off += netlink.RtAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(netlink.RtAttrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], ipv4DevconfForwarding)
	binary.LittleEndian.PutUint32(buf[off+netlink.RtAttrLen:off+netlink.RtAttrLen+4], val)

	return buf
}
