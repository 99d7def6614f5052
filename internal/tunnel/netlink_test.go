//go:build linux

package tunnel

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nylund/hopgate/internal/netlink"
)

func TestBuildNewAddrMsg(t *testing.T) {
	t.Parallel()

	addr := []byte{172, 16, 0, 2}
	msg := buildNewAddrMsg(7, unix.AF_INET, 32, addr)

	if got := binary.LittleEndian.Uint32(msg[0:4]); int(got) != len(msg) {
		t.Errorf("nlmsg_len = %d, want %d", got, len(msg))
	}
	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWADDR {
		t.Errorf("nlmsg_type = %d, want RTM_NEWADDR", got)
	}
	wantFlags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK | unix.NLM_F_CREATE | unix.NLM_F_EXCL)
	if got := binary.LittleEndian.Uint16(msg[6:8]); got != wantFlags {
		t.Errorf("nlmsg_flags = %#x, want %#x", got, wantFlags)
	}

	// ifaddrmsg
	if msg[netlink.HdrLen] != unix.AF_INET {
		t.Errorf("family = %d, want AF_INET", msg[netlink.HdrLen])
	}
	if msg[netlink.HdrLen+1] != 32 {
		t.Errorf("prefix length = %d, want 32", msg[netlink.HdrLen+1])
	}
	if got := binary.LittleEndian.Uint32(msg[netlink.HdrLen+4 : netlink.HdrLen+8]); got != 7 {
		t.Errorf("interface index = %d, want 7", got)
	}

	// IFA_LOCAL carries the address
	off := netlink.HdrLen + netlink.IfAddrmsgLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.IFA_LOCAL {
		t.Errorf("first attribute type = %d, want IFA_LOCAL", got)
	}
	for i, b := range addr {
		if msg[off+netlink.RtAttrLen+i] != b {
			t.Fatalf("address byte %d = %d, want %d", i, msg[off+netlink.RtAttrLen+i], b)
		}
	}
}

func TestBuildLinkFlagsMsg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		flags  uint32
		change uint32
	}{
		{name: "up", flags: unix.IFF_UP, change: unix.IFF_UP},
		{name: "down", flags: 0, change: unix.IFF_UP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg := buildLinkFlagsMsg(3, tt.flags, tt.change)

			if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWLINK {
				t.Errorf("nlmsg_type = %d, want RTM_NEWLINK", got)
			}
			off := netlink.HdrLen
			if got := binary.LittleEndian.Uint32(msg[off+4 : off+8]); got != 3 {
				t.Errorf("interface index = %d, want 3", got)
			}
			if got := binary.LittleEndian.Uint32(msg[off+8 : off+12]); got != tt.flags {
				t.Errorf("flags = %#x, want %#x", got, tt.flags)
			}
			if got := binary.LittleEndian.Uint32(msg[off+12 : off+16]); got != tt.change {
				t.Errorf("change mask = %#x, want %#x", got, tt.change)
			}
		})
	}
}

func TestBuildDelLinkMsg(t *testing.T) {
	t.Parallel()

	msg := buildDelLinkMsg(11)

	if got := binary.LittleEndian.Uint32(msg[0:4]); int(got) != len(msg) {
		t.Errorf("nlmsg_len = %d, want %d", got, len(msg))
	}
	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_DELLINK {
		t.Errorf("nlmsg_type = %d, want RTM_DELLINK", got)
	}
	if got := binary.LittleEndian.Uint32(msg[netlink.HdrLen+4 : netlink.HdrLen+8]); got != 11 {
		t.Errorf("interface index = %d, want 11", got)
	}
}

func TestBuildSetForwardingMsg(t *testing.T) {
	t.Parallel()

	msg := buildSetForwardingMsg(5, true)

	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_SETLINK {
		t.Errorf("nlmsg_type = %d, want RTM_SETLINK", got)
	}

	// Walk the nesting: IFLA_AF_SPEC > AF_INET > IFLA_INET_CONF > entry.
	off := netlink.HdrLen + netlink.IfInfomsgLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.NLA_F_NESTED|unix.IFLA_AF_SPEC {
		t.Errorf("outer attribute type = %#x, want nested IFLA_AF_SPEC", got)
	}
	off += netlink.RtAttrLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.NLA_F_NESTED|unix.AF_INET {
		t.Errorf("family attribute type = %#x, want nested AF_INET", got)
	}
	off += netlink.RtAttrLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.IFLA_INET_CONF {
		t.Errorf("conf attribute type = %d, want IFLA_INET_CONF", got)
	}
	off += netlink.RtAttrLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != ipv4DevconfForwarding {
		t.Errorf("devconf entry = %d, want IPV4_DEVCONF_FORWARDING", got)
	}
	if got := binary.LittleEndian.Uint32(msg[off+netlink.RtAttrLen : off+netlink.RtAttrLen+4]); got != 1 {
		t.Errorf("forwarding value = %d, want 1", got)
	}

	msg = buildSetForwardingMsg(5, false)
	off = len(msg) - 4
	if got := binary.LittleEndian.Uint32(msg[off:]); got != 0 {
		t.Errorf("forwarding value = %d, want 0", got)
	}
}
