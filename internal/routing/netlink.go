//go:build linux

package routing

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/nylund/hopgate/internal/netlink"
)

// Route and policy-rule operations over raw rtnetlink. IPv4 only: the
// proxy chain carries its traffic over the tunnel's IPv4 address.

// AddDefaultRoute installs a default route out of the given interface into
// a dedicated routing table.
// This replaces `ip route add default dev <ifName> table <table>`.
func AddDefaultRoute(ifName string, table uint32) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	msg := buildRouteMsg(unix.RTM_NEWROUTE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL,
		ifIndex, table)
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("adding default route via %s to table %d: %w", ifName, table, err)
	}
	return nil
}

// DeleteDefaultRoute removes the default route from the dedicated table.
// This replaces `ip route del default dev <ifName> table <table>`.
func DeleteDefaultRoute(ifName string, table uint32) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}

	msg := buildRouteMsg(unix.RTM_DELROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK, ifIndex, table)
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("deleting default route via %s from table %d: %w", ifName, table, err)
	}
	return nil
}

// AddSourceRule installs a policy rule sending traffic sourced from the
// given prefix into the dedicated table.
// This replaces `ip rule add from <src> table <table> priority <prio>`.
func AddSourceRule(src netip.Prefix, table, priority uint32) error {
	msg, err := buildRuleMsg(unix.RTM_NEWRULE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL,
		src, table, priority)
	if err != nil {
		return err
	}
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("adding rule from %s to table %d: %w", src, table, err)
	}
	return nil
}

// DeleteSourceRule removes the policy rule installed by AddSourceRule.
// This replaces `ip rule del from <src> table <table> priority <prio>`.
func DeleteSourceRule(src netip.Prefix, table, priority uint32) error {
	msg, err := buildRuleMsg(unix.RTM_DELRULE, unix.NLM_F_REQUEST|unix.NLM_F_ACK,
		src, table, priority)
	if err != nil {
		return err
	}
	if err := netlink.Request(msg); err != nil {
		return fmt.Errorf("deleting rule from %s to table %d: %w", src, table, err)
	}
	return nil
}

func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

// buildRouteMsg constructs an RTM_NEWROUTE/RTM_DELROUTE message for a
// default route out of a device (no gateway: the tunnel is point-to-point).
// The table goes into an RTA_TABLE attribute so identifiers above 255 work.
func buildRouteMsg(msgType uint16, flags uint16, ifIndex int32, table uint32) []byte {
	attrsLen := netlink.AttrSpace(4) * 2 // RTA_OIF + RTA_TABLE

	buf := make([]byte, netlink.HdrLen+netlink.RtMsgLen+attrsLen)
	netlink.PutHeader(buf, msgType, flags)

	// rtmsg
	off := netlink.HdrLen
	buf[off] = unix.AF_INET
	buf[off+1] = 0 // rtm_dst_len: default route
	buf[off+2] = 0 // rtm_src_len
	buf[off+3] = 0 // rtm_tos
	buf[off+4] = unix.RT_TABLE_UNSPEC
	buf[off+5] = unix.RTPROT_BOOT
	buf[off+6] = unix.RT_SCOPE_LINK
	buf[off+7] = unix.RTN_UNICAST

	var val [4]byte
	off = netlink.HdrLen + netlink.RtMsgLen
	binary.LittleEndian.PutUint32(val[:], uint32(ifIndex))
	off = netlink.PutAttr(buf, off, unix.RTA_OIF, val[:])
	binary.LittleEndian.PutUint32(val[:], table)
	netlink.PutAttr(buf, off, unix.RTA_TABLE, val[:])

	return buf
}

// buildRuleMsg constructs an RTM_NEWRULE/RTM_DELRULE message for a
// source-based rule. The payload is a fib_rule_hdr, which shares the rtmsg
// size; the action byte selects FR_ACT_TO_TBL with the table in FRA_TABLE.
func buildRuleMsg(msgType uint16, flags uint16, src netip.Prefix, table, priority uint32) ([]byte, error) {
	if !src.Addr().Is4() {
		return nil, fmt.Errorf("source rule requires an IPv4 prefix, got %s", src)
	}
	srcBytes := src.Addr().As4()

	attrsLen := netlink.AttrSpace(4) * 3 // FRA_SRC + FRA_TABLE + FRA_PRIORITY

	buf := make([]byte, netlink.HdrLen+netlink.RtMsgLen+attrsLen)
	netlink.PutHeader(buf, msgType, flags)

	// fib_rule_hdr
	off := netlink.HdrLen
	buf[off] = unix.AF_INET
	buf[off+1] = 0                    // dst_len
	buf[off+2] = uint8(src.Bits())    // src_len
	buf[off+3] = 0                    // tos
	buf[off+4] = unix.RT_TABLE_UNSPEC // table, superseded by FRA_TABLE
	buf[off+7] = unix.FR_ACT_TO_TBL   // action

	var val [4]byte
	off = netlink.HdrLen + netlink.RtMsgLen
	off = netlink.PutAttr(buf, off, unix.FRA_SRC, srcBytes[:])
	binary.LittleEndian.PutUint32(val[:], table)
	off = netlink.PutAttr(buf, off, unix.FRA_TABLE, val[:])
	binary.LittleEndian.PutUint32(val[:], priority)
	netlink.PutAttr(buf, off, unix.FRA_PRIORITY, val[:])

	return buf, nil
}
