//go:build linux

package routing

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nylund/hopgate/internal/config"
	"github.com/nylund/hopgate/internal/netlink"
)

type fakeRuleOps struct {
	calls   []string
	errs    map[string]error
	lastSrc netip.Prefix
}

func (f *fakeRuleOps) record(call string) error {
	f.calls = append(f.calls, call)
	return f.errs[call]
}

func (f *fakeRuleOps) AddDefaultRoute(string, uint32) error    { return f.record("add-route") }
func (f *fakeRuleOps) DeleteDefaultRoute(string, uint32) error { return f.record("del-route") }
func (f *fakeRuleOps) AddSourceRule(src netip.Prefix, _, _ uint32) error {
	f.lastSrc = src
	return f.record("add-rule")
}
func (f *fakeRuleOps) DeleteSourceRule(src netip.Prefix, _, _ uint32) error {
	f.lastSrc = src
	return f.record("del-rule")
}

func testInstaller(ops *fakeRuleOps) *Installer {
	return &Installer{
		cfg: config.RoutingConfig{Table: 200, RulePriority: 200},
		ops: ops,
		log: slog.Default(),
	}
}

func testAddr(t *testing.T) netip.Prefix {
	t.Helper()
	return netip.MustParsePrefix("172.16.0.2/32")
}

func TestInstall(t *testing.T) {
	t.Parallel()

	ops := &fakeRuleOps{}
	in := testInstaller(ops)

	if err := in.Install("hop0", testAddr(t)); err != nil {
		t.Fatalf("Install: %v", err)
	}

	want := []string{"add-route", "add-rule"}
	if len(ops.calls) != 2 || ops.calls[0] != want[0] || ops.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", ops.calls, want)
	}
	// The rule matches the host address only.
	if ops.lastSrc.String() != "172.16.0.2/32" {
		t.Errorf("rule source = %s, want 172.16.0.2/32", ops.lastSrc)
	}
}

func TestInstallIdempotent(t *testing.T) {
	t.Parallel()

	// Leftover identical route and rule from a previous run.
	ops := &fakeRuleOps{errs: map[string]error{
		"add-route": unix.EEXIST,
		"add-rule":  unix.EEXIST,
	}}
	in := testInstaller(ops)

	if err := in.Install("hop0", testAddr(t)); err != nil {
		t.Fatalf("Install with existing state: %v", err)
	}
}

func TestInstallRealFailure(t *testing.T) {
	t.Parallel()

	ops := &fakeRuleOps{errs: map[string]error{"add-route": unix.EPERM}}
	in := testInstaller(ops)

	err := in.Install("hop0", testAddr(t))
	if !errors.Is(err, unix.EPERM) {
		t.Fatalf("error = %v, want EPERM", err)
	}
}

func TestRemoveNeverPropagates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		errs map[string]error
	}{
		{name: "clean"},
		{name: "never installed", errs: map[string]error{
			"del-rule":  unix.ENOENT,
			"del-route": unix.ESRCH,
		}},
		{name: "interface gone", errs: map[string]error{
			"del-rule":  unix.ENODEV,
			"del-route": unix.ENODEV,
		}},
		{name: "hard failure still swallowed", errs: map[string]error{
			"del-route": unix.EPERM,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ops := &fakeRuleOps{errs: tt.errs}
			in := testInstaller(ops)

			// Remove has no error return; it must not panic either.
			in.Remove("hop0", testAddr(t))

			// Rule removal precedes route removal.
			if len(ops.calls) != 2 || ops.calls[0] != "del-rule" || ops.calls[1] != "del-route" {
				t.Errorf("calls = %v", ops.calls)
			}
		})
	}
}

func TestBuildRouteMsg(t *testing.T) {
	t.Parallel()

	msg := buildRouteMsg(unix.RTM_NEWROUTE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, 4, 200)

	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWROUTE {
		t.Errorf("nlmsg_type = %d, want RTM_NEWROUTE", got)
	}

	// rtmsg: default route, unicast, link scope.
	off := netlink.HdrLen
	if msg[off] != unix.AF_INET {
		t.Errorf("family = %d, want AF_INET", msg[off])
	}
	if msg[off+1] != 0 {
		t.Errorf("dst_len = %d, want 0 for default route", msg[off+1])
	}
	if msg[off+6] != unix.RT_SCOPE_LINK {
		t.Errorf("scope = %d, want RT_SCOPE_LINK", msg[off+6])
	}
	if msg[off+7] != unix.RTN_UNICAST {
		t.Errorf("type = %d, want RTN_UNICAST", msg[off+7])
	}

	// RTA_OIF then RTA_TABLE.
	off = netlink.HdrLen + netlink.RtMsgLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.RTA_OIF {
		t.Errorf("first attribute = %d, want RTA_OIF", got)
	}
	if got := binary.LittleEndian.Uint32(msg[off+netlink.RtAttrLen : off+netlink.RtAttrLen+4]); got != 4 {
		t.Errorf("oif = %d, want 4", got)
	}
	off += netlink.AttrSpace(4)
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.RTA_TABLE {
		t.Errorf("second attribute = %d, want RTA_TABLE", got)
	}
	if got := binary.LittleEndian.Uint32(msg[off+netlink.RtAttrLen : off+netlink.RtAttrLen+4]); got != 200 {
		t.Errorf("table = %d, want 200", got)
	}
}

func TestBuildRuleMsg(t *testing.T) {
	t.Parallel()

	src := netip.MustParsePrefix("172.16.0.2/32")
	msg, err := buildRuleMsg(unix.RTM_NEWRULE, unix.NLM_F_REQUEST|unix.NLM_F_ACK, src, 200, 200)
	if err != nil {
		t.Fatal(err)
	}

	if got := binary.LittleEndian.Uint16(msg[4:6]); got != unix.RTM_NEWRULE {
		t.Errorf("nlmsg_type = %d, want RTM_NEWRULE", got)
	}

	off := netlink.HdrLen
	if msg[off+2] != 32 {
		t.Errorf("src_len = %d, want 32", msg[off+2])
	}
	if msg[off+7] != unix.FR_ACT_TO_TBL {
		t.Errorf("action = %d, want FR_ACT_TO_TBL", msg[off+7])
	}

	// FRA_SRC, FRA_TABLE, FRA_PRIORITY in order.
	off = netlink.HdrLen + netlink.RtMsgLen
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.FRA_SRC {
		t.Errorf("first attribute = %d, want FRA_SRC", got)
	}
	if msg[off+netlink.RtAttrLen] != 172 {
		t.Errorf("src byte = %d, want 172", msg[off+netlink.RtAttrLen])
	}
	off += netlink.AttrSpace(4)
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.FRA_TABLE {
		t.Errorf("second attribute = %d, want FRA_TABLE", got)
	}
	off += netlink.AttrSpace(4)
	if got := binary.LittleEndian.Uint16(msg[off+2 : off+4]); got != unix.FRA_PRIORITY {
		t.Errorf("third attribute = %d, want FRA_PRIORITY", got)
	}
	if got := binary.LittleEndian.Uint32(msg[off+netlink.RtAttrLen : off+netlink.RtAttrLen+4]); got != 200 {
		t.Errorf("priority = %d, want 200", got)
	}
}

func TestBuildRuleMsgRejectsIPv6(t *testing.T) {
	t.Parallel()

	src := netip.MustParsePrefix("2606:4700:110:8b07::2/128")
	if _, err := buildRuleMsg(unix.RTM_NEWRULE, 0, src, 200, 200); err == nil {
		t.Error("expected error for IPv6 source prefix")
	}
}
