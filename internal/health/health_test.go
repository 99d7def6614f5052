package health

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nylund/hopgate/internal/config"
)

// scriptedProber replays a fixed sequence of probe outcomes; once the
// script is exhausted it keeps returning the last outcome.
type scriptedProber struct {
	mu     sync.Mutex
	script []bool // true = success
	calls  int
}

func (p *scriptedProber) Probe(context.Context) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++

	if p.script[i] {
		return netip.MustParseAddr("203.0.113.7"), nil
	}
	return netip.Addr{}, errors.New("probe timed out")
}

func (p *scriptedProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeRebuilder struct {
	mu       sync.Mutex
	rebuilds int
	err      error
}

func (r *fakeRebuilder) Rebuild(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilds++
	return r.err
}

func (r *fakeRebuilder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuilds
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:     config.Duration(5 * time.Millisecond),
		Threshold:    3,
		ProbeTimeout: config.Duration(time.Second),
	}
}

func alwaysUp() bool { return true }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()

	// Two failures, then recovery: threshold 3 is never reached.
	prober := &scriptedProber{script: []bool{false, false, true}}
	rebuilder := &fakeRebuilder{}
	m := NewMonitor(testConfig(), prober, rebuilder, alwaysUp, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, func() bool { return prober.callCount() >= 4 }, "probes did not run")

	if got := rebuilder.count(); got != 0 {
		t.Errorf("rebuilds = %d, want 0", got)
	}
	snap := m.Snapshot()
	if snap.State != StateHealthy {
		t.Errorf("state = %s, want healthy", snap.State)
	}
	if snap.Failures != 0 {
		t.Errorf("failures = %d, want 0 after success", snap.Failures)
	}
	if snap.LastEgress.String() != "203.0.113.7" {
		t.Errorf("last egress = %s", snap.LastEgress)
	}
}

func TestThresholdTriggersRebuild(t *testing.T) {
	t.Parallel()

	// Fail three times, then recover.
	prober := &scriptedProber{script: []bool{false, false, false, true}}
	rebuilder := &fakeRebuilder{}
	m := NewMonitor(testConfig(), prober, rebuilder, alwaysUp, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, func() bool { return rebuilder.count() == 1 }, "rebuild never triggered")
	waitFor(t, func() bool { return m.Snapshot().Failures == 0 }, "counter not reset after rebuild")

	// Recovery probes after the rebuild must not trigger another one.
	calls := prober.callCount()
	waitFor(t, func() bool { return prober.callCount() >= calls+2 }, "probing stopped")
	if got := rebuilder.count(); got != 1 {
		t.Errorf("rebuilds = %d, want exactly 1", got)
	}
}

func TestCounterNeverExceedsThreshold(t *testing.T) {
	t.Parallel()

	// Unbroken failure stream: every threshold-sized window ends in a
	// rebuild and a reset.
	prober := &scriptedProber{script: []bool{false}}
	rebuilder := &fakeRebuilder{err: errors.New("still down")}
	m := NewMonitor(testConfig(), prober, rebuilder, alwaysUp, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return rebuilder.count() >= 2 }, "second rebuild never came")

	// Sample the counter while failures keep flowing.
	for i := 0; i < 50; i++ {
		if snap := m.Snapshot(); snap.Failures > 3 {
			t.Fatalf("failure counter reached %d, threshold is 3", snap.Failures)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

func TestFailedRebuildWaitsFullWindow(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{script: []bool{false}}
	rebuilder := &fakeRebuilder{err: errors.New("activate failed")}
	m := NewMonitor(testConfig(), prober, rebuilder, alwaysUp, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, func() bool { return rebuilder.count() == 1 }, "first rebuild never triggered")
	firstRebuildProbes := prober.callCount()

	waitFor(t, func() bool { return rebuilder.count() == 2 }, "second rebuild never triggered")

	// A full threshold of fresh failures must separate the rebuilds.
	if gap := prober.callCount() - firstRebuildProbes; gap < 3 {
		t.Errorf("only %d probes between rebuilds, want at least threshold (3)", gap)
	}
}

func TestDeadTunnelIsFatal(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{script: []bool{true}}
	m := NewMonitor(testConfig(), prober, &fakeRebuilder{}, func() bool { return false }, slog.Default())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run returned nil for a dead tunnel device")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for a dead tunnel device")
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{script: []bool{true}}
	m := NewMonitor(testConfig(), prober, &fakeRebuilder{}, alwaysUp, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	waitFor(t, func() bool { return prober.callCount() >= 1 }, "probing never started")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v on clean cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
