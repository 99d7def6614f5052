// Package health runs the periodic connectivity check for the tunnel and
// decides when a rebuild is warranted. The rule is deliberately blunt:
// consecutive probe failures accumulate in a counter, any success clears
// it, and reaching the threshold triggers exactly one rebuild, after which
// the counter restarts from zero whether or not the rebuild worked.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nylund/hopgate/internal/config"
)

// State describes the monitor's current view of the tunnel.
type State string

const (
	// StateHealthy means the last probe succeeded.
	StateHealthy State = "healthy"
	// StateDegraded means at least one probe has failed since the last
	// success, but the threshold has not been reached.
	StateDegraded State = "degraded"
	// StateRebuilding means the threshold was breached and a rebuild is
	// in progress.
	StateRebuilding State = "rebuilding"
)

// Prober issues one connectivity check and reports the observed egress
// address.
type Prober interface {
	Probe(ctx context.Context) (netip.Addr, error)
}

// Rebuilder performs a full tunnel teardown and reactivation.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Snapshot is a point-in-time copy of the monitor state for the status
// surface.
type Snapshot struct {
	State      State      `json:"state"`
	Failures   int        `json:"failures"`
	Rebuilds   int        `json:"rebuilds"`
	LastEgress netip.Addr `json:"last_egress"`
	LastProbe  time.Time  `json:"last_probe"`
}

// Monitor owns the failure counter. Nothing else mutates it; the probe
// loop is the single writer.
type Monitor struct {
	cfg      config.HealthConfig
	prober   Prober
	rebuild  Rebuilder
	tunnelUp func() bool
	log      *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

// NewMonitor creates a Monitor. tunnelUp reports whether the tunnel's
// owning device is still alive; when it returns false the monitor gives up,
// because a dead device cannot be recovered by rebuilding in-process.
func NewMonitor(cfg config.HealthConfig, prober Prober, rebuild Rebuilder, tunnelUp func() bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		prober:   prober,
		rebuild:  rebuild,
		tunnelUp: tunnelUp,
		log:      logger.With("component", "health"),
		snap:     Snapshot{State: StateHealthy},
	}
}

// Run executes the check loop until the context is cancelled (returns nil)
// or the tunnel device dies (returns an error, which the caller treats as
// fatal).
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.Interval.Std()
	m.log.Info("health monitoring started",
		"interval", interval,
		"threshold", m.cfg.Threshold,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitoring stopped")
			return nil
		case <-ticker.C:
			if !m.tunnelUp() {
				return fmt.Errorf("tunnel device is no longer running")
			}
			m.check(ctx)
		}
	}
}

// check performs one probe and, on a threshold breach, one rebuild.
func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout.Std())
	addr, err := m.prober.Probe(probeCtx)
	cancel()

	if err == nil {
		m.mu.Lock()
		m.snap.State = StateHealthy
		m.snap.Failures = 0
		m.snap.LastEgress = addr
		m.snap.LastProbe = time.Now()
		m.mu.Unlock()
		m.log.Debug("health check passed", "egress", addr.String())
		return
	}

	m.mu.Lock()
	m.snap.State = StateDegraded
	m.snap.Failures++
	m.snap.LastProbe = time.Now()
	failures := m.snap.Failures
	m.mu.Unlock()

	m.log.Warn("health check failed",
		"failures", failures,
		"threshold", m.cfg.Threshold,
		"error", err,
	)

	if failures < m.cfg.Threshold {
		return
	}

	m.setState(StateRebuilding)
	m.log.Error("failure threshold reached, rebuilding tunnel", "failures", failures)

	if err := m.rebuild.Rebuild(ctx); err != nil {
		// The counter resets anyway: the next window gets a full
		// threshold of probes before another rebuild attempt.
		m.log.Error("tunnel rebuild failed", "error", err)
	} else {
		m.log.Info("tunnel rebuilt")
	}

	m.mu.Lock()
	m.snap.State = StateDegraded
	m.snap.Failures = 0
	m.snap.Rebuilds++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current monitor state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.State = s
}
