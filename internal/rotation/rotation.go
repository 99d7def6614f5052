// Package rotation periodically asks the onion-routing daemon to build a
// fresh circuit over its control port. Rotation runs on its own cadence,
// fully decoupled from tunnel health: a rotation tick neither knows nor
// cares whether the last probe succeeded.
package rotation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nylund/hopgate/internal/config"
)

// Rotator signals the onion-routing daemon to switch to a new circuit.
type Rotator struct {
	cfg  config.RotationConfig
	dial func(ctx context.Context, address string) (net.Conn, error)
	log  *slog.Logger
}

// NewRotator creates a Rotator for the given control-port configuration.
func NewRotator(cfg config.RotationConfig, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	return &Rotator{
		cfg: cfg,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		},
		log: logger.With("component", "rotation"),
	}
}

// Run rotates circuits every cfg.Interval until the context is cancelled.
// A failed rotation is logged and not retried until the next tick.
func (r *Rotator) Run(ctx context.Context) {
	interval := r.cfg.Interval.Std()
	r.log.Info("circuit rotation started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("circuit rotation stopped")
			return
		case <-ticker.C:
			if !r.daemonAlive() {
				r.log.Warn("onion-routing daemon not running, skipping rotation")
				continue
			}
			if err := r.Rotate(ctx); err != nil {
				r.log.Warn("circuit rotation failed", "error", err)
				continue
			}
			r.log.Info("circuit rotated")
		}
	}
}

// Rotate performs one NEWNYM exchange over the control port: authenticate,
// signal, quit.
func (r *Rotator) Rotate(ctx context.Context) error {
	conn, err := r.dial(ctx, r.cfg.ControlAddress)
	if err != nil {
		return fmt.Errorf("connecting to control port %s: %w", r.cfg.ControlAddress, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	br := bufio.NewReader(conn)

	auth := "AUTHENTICATE\r\n"
	if r.cfg.ControlPassword != "" {
		auth = fmt.Sprintf("AUTHENTICATE %q\r\n", r.cfg.ControlPassword)
	}
	if err := command(conn, br, auth); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if err := command(conn, br, "SIGNAL NEWNYM\r\n"); err != nil {
		return fmt.Errorf("signalling new circuit: %w", err)
	}

	// Best effort; the signal already succeeded.
	fmt.Fprintf(conn, "QUIT\r\n")

	return nil
}

// command sends one control-port command and checks for the 250 success
// reply.
func command(conn net.Conn, br *bufio.Reader, cmd string) error {
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return err
	}
	reply, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if !strings.HasPrefix(reply, "250") {
		return fmt.Errorf("control port answered %q", strings.TrimSpace(reply))
	}
	return nil
}

// daemonAlive checks the onion-routing daemon's PID file and probes the
// process with signal 0. An unset PID file path skips the check.
func (r *Rotator) daemonAlive() bool {
	if r.cfg.TorPIDFile == "" {
		return true
	}

	data, err := os.ReadFile(r.cfg.TorPIDFile)
	if err != nil {
		r.log.Debug("reading PID file", "path", r.cfg.TorPIDFile, "error", err)
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		r.log.Debug("parsing PID file", "path", r.cfg.TorPIDFile, "error", err)
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
