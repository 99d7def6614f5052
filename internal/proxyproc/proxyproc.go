// Package proxyproc supervises the forward-proxy listener processes (SOCKS
// and HTTP). Each listener is an external process bound to a fixed local
// port; the supervisor restarts it with a fixed delay whenever it exits
// while it is still supposed to run.
package proxyproc

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nylund/hopgate/internal/config"
)

// Kind names the proxy protocol a listener serves.
type Kind string

const (
	KindSOCKS Kind = "socks"
	KindHTTP  Kind = "http"
)

// Listener describes one supervised proxy process.
type Listener struct {
	Kind    Kind
	Port    int
	Command []string
}

// Status is a point-in-time view of one listener for the status surface.
type Status struct {
	Kind     Kind `json:"kind"`
	Port     int  `json:"port"`
	Running  bool `json:"running"`
	Restarts int  `json:"restarts"`
}

// runFunc starts a listener process and blocks until it exits. The context
// cancels the process. Production shells out; tests inject a fake.
type runFunc func(ctx context.Context, l Listener) error

// Supervisor keeps the configured proxy listeners running.
type Supervisor struct {
	listeners    []Listener
	restartDelay time.Duration
	runProcess   runFunc
	log          *slog.Logger

	mu    sync.Mutex
	state map[Kind]*Status
}

// NewSupervisor builds a Supervisor from the proxy configuration. Disabled
// listeners are skipped entirely.
func NewSupervisor(cfg config.ProxyConfig, restartDelay time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	var listeners []Listener
	if cfg.SOCKS.Enabled {
		listeners = append(listeners, Listener{
			Kind:    KindSOCKS,
			Port:    cfg.SOCKS.Port,
			Command: cfg.SOCKS.Command,
		})
	}
	if cfg.HTTP.Enabled {
		listeners = append(listeners, Listener{
			Kind:    KindHTTP,
			Port:    cfg.HTTP.Port,
			Command: cfg.HTTP.Command,
		})
	}

	s := &Supervisor{
		listeners:    listeners,
		restartDelay: restartDelay,
		runProcess:   runCommand,
		log:          logger.With("component", "proxy"),
		state:        make(map[Kind]*Status),
	}
	for _, l := range listeners {
		s.state[l.Kind] = &Status{Kind: l.Kind, Port: l.Port}
	}
	return s
}

// Run supervises all listeners until the context is cancelled, then waits
// for every child to exit.
func (s *Supervisor) Run(ctx context.Context) {
	if len(s.listeners) == 0 {
		s.log.Info("no proxy listeners enabled")
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			s.supervise(ctx, l)
		}(l)
	}
	wg.Wait()
}

// supervise runs one listener in a restart loop. Every exit while the
// context is live counts as unexpected.
func (s *Supervisor) supervise(ctx context.Context, l Listener) {
	for {
		s.log.Info("starting proxy listener", "kind", l.Kind, "port", l.Port)
		s.setRunning(l.Kind, true)

		err := s.runProcess(ctx, l)

		s.setRunning(l.Kind, false)

		if ctx.Err() != nil {
			s.log.Info("proxy listener stopped", "kind", l.Kind, "port", l.Port)
			return
		}

		s.log.Warn("proxy listener exited unexpectedly, restarting",
			"kind", l.Kind,
			"port", l.Port,
			"delay", s.restartDelay,
			"error", err,
		)
		s.bumpRestarts(l.Kind)

		select {
		case <-ctx.Done():
			s.log.Info("proxy listener stopped", "kind", l.Kind, "port", l.Port)
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// ListenerStatus reports the current state of all configured listeners.
func (s *Supervisor) ListenerStatus() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, *s.state[l.Kind])
	}
	return out
}

func (s *Supervisor) setRunning(kind Kind, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[kind].Running = running
}

func (s *Supervisor) bumpRestarts(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[kind].Restarts++
}

// runCommand is the production runFunc. Cancellation sends SIGTERM and
// escalates to SIGKILL if the process lingers.
func runCommand(ctx context.Context, l Listener) error {
	if len(l.Command) == 0 {
		return fmt.Errorf("%s listener has no command", l.Kind)
	}

	cmd := exec.CommandContext(ctx, l.Command[0], l.Command[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s listener: %w", l.Kind, err)
	}
	return nil
}
