//go:build linux

// Package firewall installs the packet-filtering and NAT rules for the
// tunnel interface in a dedicated nftables table. The table is scoped by
// interface name so the rules never interfere with other firewall state on
// the host, and dropping the whole table removes everything at once.
package firewall

import (
	"fmt"
	"log/slog"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
)

// tablePrefix scopes the nftables table to this daemon. The interface name
// is appended so two supervised tunnels never collide.
const tablePrefix = "hopgate-"

// Installer manages the nftables ruleset for one tunnel interface.
//
// Requires CAP_NET_ADMIN.
type Installer struct {
	log  *slog.Logger
	conn *nftables.Conn
}

// NewInstaller creates an Installer.
func NewInstaller(logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		log: logger.With("component", "firewall"),
	}
}

// Install creates the filtering table for the interface. This is equivalent
// to:
//
//	nft add table ip hopgate-<iface>
//	nft add chain ... input/output/forward/postrouting
//	nft add rule ... iifname/oifname <iface> accept
//	nft add rule ... forward ct state established,related accept
//	nft add rule ... postrouting oifname <iface> masquerade
//
// The table content is flushed before the rules are added, so a repeat
// Install for the same interface replaces rather than duplicates. All
// commands apply in one atomic batch.
func (in *Installer) Install(ifName string) error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}
	in.conn = c

	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName(ifName),
	})
	c.FlushTable(table)

	input := c.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})
	output := c.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
	})
	forward := c.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	postrouting := c.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	for _, r := range []struct {
		chain *nftables.Chain
		exprs []expr.Any
	}{
		{input, acceptIface(expr.MetaKeyIIFNAME, ifName)},
		{output, acceptIface(expr.MetaKeyOIFNAME, ifName)},
		{forward, acceptIface(expr.MetaKeyIIFNAME, ifName)},
		{forward, acceptIface(expr.MetaKeyOIFNAME, ifName)},
		{forward, acceptEstablished()},
		{postrouting, masqueradeIface(ifName)},
	} {
		c.AddRule(&nftables.Rule{Table: table, Chain: r.chain, Exprs: r.exprs})
	}

	if err := c.Flush(); err != nil {
		return fmt.Errorf("applying nftables rules: %w", err)
	}

	in.log.Info("filtering rules installed", "table", tableName(ifName), "interface", ifName)
	return nil
}

// Remove deletes the interface's filtering table. Safe to call when Install
// never ran or the table is already gone; runs on the teardown path and
// never propagates an error.
func (in *Installer) Remove(ifName string) {
	c := in.conn
	if c == nil {
		var err error
		c, err = nftables.New()
		if err != nil {
			in.log.Warn("connecting to nftables for cleanup", "error", err)
			return
		}
	}

	c.DelTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName(ifName),
	})

	if err := c.Flush(); err != nil {
		// Table may not exist, which is fine.
		in.log.Debug("nftables cleanup (table may not have existed)", "error", err)
		return
	}

	in.log.Info("filtering rules removed", "table", tableName(ifName))
}

func tableName(ifName string) string {
	return tablePrefix + ifName
}

// ifname pads an interface name to the 16-byte IFNAMSIZ buffer nftables
// compares against.
func ifname(name string) []byte {
	data := make([]byte, 16)
	copy(data, name)
	return data
}

// acceptIface builds `meta iifname/oifname <name> accept`.
func acceptIface(key expr.MetaKey, name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// acceptEstablished builds `ct state established,related accept` so reply
// traffic for forwarded connections is never dropped.
func acceptEstablished() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// masqueradeIface builds `oifname <name> masquerade` for traffic leaving
// through the tunnel.
func masqueradeIface(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
		&expr.Masq{},
	}
}
