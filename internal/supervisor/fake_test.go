package supervisor

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nylund/hopgate/internal/control"
	"github.com/nylund/hopgate/internal/identity"
	"github.com/nylund/hopgate/internal/proxyproc"
)

// eventLog captures lifecycle events in order so tests can assert ordering
// invariants across components.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(e string) int {
	n := 0
	for _, got := range l.snapshot() {
		if got == e {
			n++
		}
	}
	return n
}

// index returns the position of the nth occurrence of e, or -1.
func (l *eventLog) index(e string, nth int) int {
	seen := 0
	for i, got := range l.snapshot() {
		if got == e {
			seen++
			if seen == nth {
				return i
			}
		}
	}
	return -1
}

func (l *eventLog) waitFor(t *testing.T, e string, nth int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.count(e) >= nth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("event %q (occurrence %d) never happened; log: %v", e, nth, l.snapshot())
}

type fakeProvisioner struct {
	id  *identity.Identity
	err error
}

func (f *fakeProvisioner) EnsureIdentity(context.Context) (*identity.Identity, error) {
	return f.id, f.err
}

type fakeHandle struct {
	name string
	addr netip.Prefix

	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) Name() string          { return h.name }
func (h *fakeHandle) Address() netip.Prefix { return h.addr }
func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

type fakeTunnel struct {
	log         *eventLog
	activateErr error

	mu   sync.Mutex
	last *fakeHandle
}

func (f *fakeTunnel) Activate(_ context.Context, id *identity.Identity) (TunnelHandle, error) {
	f.log.add("activate")
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	h := &fakeHandle{name: "hop0", addr: id.Address}
	f.mu.Lock()
	f.last = h
	f.mu.Unlock()
	return h, nil
}

func (f *fakeTunnel) Deactivate(TunnelHandle) error {
	f.log.add("deactivate")
	return nil
}

func (f *fakeTunnel) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeRouting struct {
	log        *eventLog
	installErr error
}

func (f *fakeRouting) Install(string, netip.Prefix) error {
	f.log.add("routing-install")
	return f.installErr
}

func (f *fakeRouting) Remove(string, netip.Prefix) {
	f.log.add("routing-remove")
}

type fakeFirewall struct {
	log        *eventLog
	installErr error
}

func (f *fakeFirewall) Install(string) error {
	f.log.add("firewall-install")
	return f.installErr
}

func (f *fakeFirewall) Remove(string) {
	f.log.add("firewall-remove")
}

// fakeProber fails the first `failures` probes, then succeeds forever.
type fakeProber struct {
	log       *eventLog
	verifyErr error

	mu       sync.Mutex
	failures int
}

func (p *fakeProber) Probe(context.Context) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		p.log.add("probe-fail")
		return netip.Addr{}, errors.New("probe timed out")
	}
	p.log.add("probe-ok")
	return netip.MustParseAddr("203.0.113.7"), nil
}

func (p *fakeProber) Verify(context.Context, int, time.Duration) (netip.Addr, error) {
	p.log.add("verify")
	if p.verifyErr != nil {
		return netip.Addr{}, p.verifyErr
	}
	return netip.MustParseAddr("203.0.113.7"), nil
}

type fakeLoop struct {
	log  *eventLog
	name string
}

func (f *fakeLoop) Run(ctx context.Context) {
	f.log.add(f.name + "-start")
	<-ctx.Done()
	f.log.add(f.name + "-stop")
}

type fakeProxies struct {
	fakeLoop
}

func (f *fakeProxies) ListenerStatus() []proxyproc.Status {
	return []proxyproc.Status{{Kind: proxyproc.KindSOCKS, Port: 1080, Running: true}}
}

type fakeControlServer struct {
	log      *eventLog
	provider control.StatusProvider
}

func (f *fakeControlServer) Start() error {
	f.log.add("control-start")
	return nil
}

func (f *fakeControlServer) Stop() error {
	f.log.add("control-stop")
	return nil
}
