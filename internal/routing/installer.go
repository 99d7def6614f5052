//go:build linux

package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/nylund/hopgate/internal/config"
)

// ruleOps covers the kernel route/rule operations the installer performs.
// Tests substitute a fake that records calls.
type ruleOps interface {
	AddDefaultRoute(ifName string, table uint32) error
	DeleteDefaultRoute(ifName string, table uint32) error
	AddSourceRule(src netip.Prefix, table, priority uint32) error
	DeleteSourceRule(src netip.Prefix, table, priority uint32) error
}

type realRuleOps struct{}

func (realRuleOps) AddDefaultRoute(n string, t uint32) error    { return AddDefaultRoute(n, t) }
func (realRuleOps) DeleteDefaultRoute(n string, t uint32) error { return DeleteDefaultRoute(n, t) }
func (realRuleOps) AddSourceRule(s netip.Prefix, t, p uint32) error {
	return AddSourceRule(s, t, p)
}
func (realRuleOps) DeleteSourceRule(s netip.Prefix, t, p uint32) error {
	return DeleteSourceRule(s, t, p)
}

// Installer reconciles the policy-routing state for the tunnel interface:
// a default route in a dedicated table and a source rule that sends traffic
// from the tunnel address into it. The desired state is recomputed on every
// activation; a route or rule that is already present is a logged no-op,
// not an error.
type Installer struct {
	cfg config.RoutingConfig
	ops ruleOps
	log *slog.Logger
}

// NewInstaller creates an Installer driving the real kernel tables.
func NewInstaller(cfg config.RoutingConfig, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		cfg: cfg,
		ops: realRuleOps{},
		log: logger.With("component", "routing"),
	}
}

// Install applies the routing policy for an active interface. Must be called
// after the interface is up and addressed; reapply it on every rebuild, the
// policy does not survive interface recreation.
func (in *Installer) Install(ifName string, addr netip.Prefix) error {
	table := uint32(in.cfg.Table)
	priority := uint32(in.cfg.RulePriority)

	if err := in.ops.AddDefaultRoute(ifName, table); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("installing routing policy: %w", err)
		}
		in.log.Debug("default route already present", "interface", ifName, "table", table)
	}

	src := sourcePrefix(addr)
	if err := in.ops.AddSourceRule(src, table, priority); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("installing routing policy: %w", err)
		}
		in.log.Debug("source rule already present", "src", src, "table", table)
	}

	in.log.Info("routing policy installed",
		"interface", ifName,
		"table", table,
		"src", src,
		"priority", priority,
	)
	return nil
}

// Remove tears down the routing policy. It runs on the teardown path where
// the interface may already be gone, so nothing is propagated: missing
// routes and rules are expected, everything else is logged.
func (in *Installer) Remove(ifName string, addr netip.Prefix) {
	table := uint32(in.cfg.Table)
	priority := uint32(in.cfg.RulePriority)

	src := sourcePrefix(addr)
	if err := in.ops.DeleteSourceRule(src, table, priority); err != nil && !ruleGone(err) {
		in.log.Warn("removing source rule", "src", src, "error", err)
	}

	if err := in.ops.DeleteDefaultRoute(ifName, table); err != nil && !ruleGone(err) {
		in.log.Warn("removing default route", "interface", ifName, "error", err)
	}

	in.log.Info("routing policy removed", "interface", ifName, "table", table)
}

// sourcePrefix narrows the interface address to a host prefix: the rule
// matches exactly the tunnel's own address as source.
func sourcePrefix(addr netip.Prefix) netip.Prefix {
	return netip.PrefixFrom(addr.Addr(), addr.Addr().BitLen())
}

// ruleGone reports whether a deletion error means the object was already
// absent. The kernel answers ENOENT for missing rules, ESRCH for missing
// routes, and ENODEV when the whole interface is gone.
func ruleGone(err error) bool {
	return errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.ESRCH) ||
		errors.Is(err, unix.ENODEV)
}
