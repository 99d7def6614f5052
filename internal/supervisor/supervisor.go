// Package supervisor is the top-level orchestrator of the proxy chain. It
// owns the startup order, the background loops, and the ordered shutdown:
//
//  1. Ensure a tunnel identity exists (registering one if needed)
//  2. Activate the tunnel interface
//  3. Install routing policy and filtering rules
//  4. Verify connectivity through the tunnel
//  5. Run circuit rotation, health monitoring, and the proxy listeners
//     until a termination signal arrives
//  6. Unwind everything in reverse order
//
// The health monitor calls back into the supervisor for rebuilds: a rebuild
// is a full teardown and reactivation of steps 2–4 while the loops keep
// running.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nylund/hopgate/internal/config"
	"github.com/nylund/hopgate/internal/control"
	"github.com/nylund/hopgate/internal/health"
	"github.com/nylund/hopgate/internal/identity"
	"github.com/nylund/hopgate/internal/proxyproc"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateStopped     State = "stopped"
)

// TunnelHandle is an activated tunnel interface as the supervisor sees it.
type TunnelHandle interface {
	Name() string
	Address() netip.Prefix
	Closed() bool
}

// Provisioner ensures the tunnel identity exists on disk.
type Provisioner interface {
	EnsureIdentity(ctx context.Context) (*identity.Identity, error)
}

// TunnelManager activates and deactivates the tunnel interface.
type TunnelManager interface {
	Activate(ctx context.Context, id *identity.Identity) (TunnelHandle, error)
	Deactivate(h TunnelHandle) error
}

// RoutingInstaller installs and removes the policy-routing state.
type RoutingInstaller interface {
	Install(ifName string, addr netip.Prefix) error
	Remove(ifName string, addr netip.Prefix)
}

// FirewallInstaller installs and removes the filtering rules.
type FirewallInstaller interface {
	Install(ifName string) error
	Remove(ifName string)
}

// Prober checks connectivity through an interface.
type Prober interface {
	Probe(ctx context.Context) (netip.Addr, error)
	Verify(ctx context.Context, attempts int, backoff time.Duration) (netip.Addr, error)
}

// Rotator runs the circuit rotation loop.
type Rotator interface {
	Run(ctx context.Context)
}

// ProxySupervisor runs the proxy listener processes.
type ProxySupervisor interface {
	Run(ctx context.Context)
	ListenerStatus() []proxyproc.Status
}

// ControlServer serves the status socket.
type ControlServer interface {
	Start() error
	Stop() error
}

// Deps holds all external dependencies the Supervisor needs, so tests can
// inject fakes for components that require root privileges, network access,
// or child processes. Production code uses DefaultDeps.
type Deps struct {
	Provisioner      Provisioner
	Tunnel           TunnelManager
	Routing          RoutingInstaller
	Firewall         FirewallInstaller
	NewProber        func(ifName string) Prober
	Rotator          Rotator
	Proxies          ProxySupervisor
	NewControlServer func(provider control.StatusProvider) ControlServer
}

// Supervisor orchestrates the whole proxy chain lifecycle.
type Supervisor struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	iface   TunnelHandle
	prober  Prober
	ident   *identity.Identity
	monitor *health.Monitor
	started time.Time
}

// New creates a Supervisor.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   logger.With("component", "supervisor"),
		state: StateStarting,
	}
}

// Run executes the full lifecycle and blocks until the context is cancelled
// or a fatal error occurs. Startup errors unwind whatever was already built
// before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	ident, err := s.deps.Provisioner.EnsureIdentity(ctx)
	if err != nil {
		return fmt.Errorf("ensuring tunnel identity: %w", err)
	}
	s.mu.Lock()
	s.ident = ident
	s.mu.Unlock()

	if err := s.buildDataPlane(ctx); err != nil {
		return err
	}

	var ctrl ControlServer
	if s.deps.NewControlServer != nil {
		ctrl = s.deps.NewControlServer(s.status)
		if err := ctrl.Start(); err != nil {
			s.log.Warn("starting control server", "error", err)
			ctrl = nil
		}
	}

	s.mu.Lock()
	s.monitor = health.NewMonitor(s.cfg.Health, proberFollower{s}, s, s.tunnelUp, s.log)
	monitor := s.monitor
	s.mu.Unlock()

	s.setState(StateRunning)
	s.log.Info("supervisor running")

	// Background loops share one context so a single cancel stops them
	// all; the monitor's error channel catches the one fatal condition
	// (tunnel device death) that ends the run early.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.deps.Rotator.Run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		s.deps.Proxies.Run(loopCtx)
	}()

	monitorErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitorErr <- monitor.Run(loopCtx)
	}()

	var fatal error
	select {
	case <-ctx.Done():
		s.log.Info("termination signal received")
	case err := <-monitorErr:
		if err != nil {
			fatal = fmt.Errorf("health monitor: %w", err)
			s.log.Error("fatal condition, shutting down", "error", err)
		}
	}

	s.setState(StateTerminating)
	cancelLoops()

	// Loops get the teardown budget to wind down; the listeners must be
	// gone before the tunnel interface disappears under them.
	if !waitTimeout(&wg, s.cfg.TeardownBudget.Std()) {
		s.log.Warn("background loops did not stop within budget",
			"budget", s.cfg.TeardownBudget.Std())
	}

	if ctrl != nil {
		if err := ctrl.Stop(); err != nil {
			s.log.Warn("stopping control server", "error", err)
		}
	}

	s.teardownDataPlane()
	s.setState(StateStopped)
	s.log.Info("supervisor stopped")

	return fatal
}

// buildDataPlane performs steps 2–4: activate the interface, install the
// routing policy and filtering rules, and verify connectivity. On any
// failure the partial state is unwound before returning.
func (s *Supervisor) buildDataPlane(ctx context.Context) error {
	s.mu.Lock()
	ident := s.ident
	s.mu.Unlock()

	iface, err := s.deps.Tunnel.Activate(ctx, ident)
	if err != nil {
		return fmt.Errorf("activating tunnel: %w", err)
	}

	if err := s.deps.Routing.Install(iface.Name(), iface.Address()); err != nil {
		_ = s.deps.Tunnel.Deactivate(iface)
		return err
	}

	// A filtering failure degrades the chain but the tunnel still works,
	// so the interface comes up anyway.
	if err := s.deps.Firewall.Install(iface.Name()); err != nil {
		s.log.Warn("installing filtering rules", "error", err)
	}

	prober := s.deps.NewProber(iface.Name())

	egress, err := prober.Verify(ctx, s.cfg.Health.VerifyAttempts, s.cfg.Health.VerifyBackoff.Std())
	if err != nil {
		s.deps.Firewall.Remove(iface.Name())
		s.deps.Routing.Remove(iface.Name(), iface.Address())
		_ = s.deps.Tunnel.Deactivate(iface)
		return fmt.Errorf("verifying tunnel connectivity: %w", err)
	}

	s.mu.Lock()
	s.iface = iface
	s.prober = prober
	s.mu.Unlock()

	s.log.Info("data plane up", "interface", iface.Name(), "egress", egress.String())
	return nil
}

// teardownDataPlane unwinds the data plane in reverse install order.
// Removal is best effort throughout; a half-gone data plane must never
// abort the teardown.
func (s *Supervisor) teardownDataPlane() {
	s.mu.Lock()
	iface := s.iface
	s.iface = nil
	s.prober = nil
	s.mu.Unlock()

	if iface == nil {
		return
	}

	s.deps.Firewall.Remove(iface.Name())
	s.deps.Routing.Remove(iface.Name(), iface.Address())
	if err := s.deps.Tunnel.Deactivate(iface); err != nil {
		s.log.Warn("deactivating tunnel", "error", err)
	}
}

// Rebuild tears the data plane down and builds it again. Called by the
// health monitor on a threshold breach; the background loops keep running
// throughout.
func (s *Supervisor) Rebuild(ctx context.Context) error {
	s.log.Warn("rebuilding tunnel")
	s.teardownDataPlane()
	return s.buildDataPlane(ctx)
}

// tunnelUp reports whether the tunnel device is still alive. During a
// rebuild the handle is briefly nil, which counts as up to keep the
// monitor from misreading its own rebuild as device death.
func (s *Supervisor) tunnelUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface == nil || !s.iface.Closed()
}

// status builds the control-surface snapshot.
func (s *Supervisor) status() control.Status {
	s.mu.Lock()
	st := control.Status{
		State:         string(s.state),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.iface != nil {
		st.Interface = s.iface.Name()
		st.Address = s.iface.Address().String()
	}
	monitor := s.monitor
	s.mu.Unlock()

	if monitor != nil {
		st.FromSnapshot(monitor.Snapshot())
	}
	// The lifecycle state wins unless the supervisor is in steady state;
	// "starting" or "terminating" is more useful than a stale health state.
	if lifecycle := s.currentState(); lifecycle != StateRunning {
		st.State = string(lifecycle)
	}

	if s.deps.Proxies != nil {
		st.Listeners = s.deps.Proxies.ListenerStatus()
	}
	return st
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// proberFollower routes the monitor's probes to whichever prober the
// current data plane owns, so a rebuild transparently swaps the probe
// target.
type proberFollower struct {
	s *Supervisor
}

func (p proberFollower) Probe(ctx context.Context) (netip.Addr, error) {
	p.s.mu.Lock()
	prober := p.s.prober
	p.s.mu.Unlock()

	if prober == nil {
		return netip.Addr{}, fmt.Errorf("no active tunnel to probe")
	}
	return prober.Probe(ctx)
}

// waitTimeout waits for the group up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
