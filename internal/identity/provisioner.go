package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nylund/hopgate/internal/config"
)

// ProvisionError reports a failed registration or generation step. It is
// fatal and aborts the whole startup sequence; the supervisor never retries
// provisioning locally.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning (%s): %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// CommandRunner runs an external registration command in a working
// directory. Production code shells out; tests inject a fake.
type CommandRunner func(ctx context.Context, dir string, argv []string) error

// Provisioner ensures a tunnel identity exists on disk, performing the
// external registration flow when it does not.
type Provisioner struct {
	cfg config.TunnelConfig
	run CommandRunner
	log *slog.Logger
}

// NewProvisioner creates a Provisioner for the given tunnel configuration.
// A nil runner uses the real exec-based implementation.
func NewProvisioner(cfg config.TunnelConfig, run CommandRunner, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if run == nil {
		run = execRunner
	}
	return &Provisioner{
		cfg: cfg,
		run: run,
		log: logger.With("component", "provisioner"),
	}
}

// EnsureIdentity returns the tunnel identity, registering a new one if none
// exists. When both the profile and account files are already present the
// profile is parsed and returned without any external call. Otherwise the
// registration and generation commands run in the account directory, and
// the generated profile is relocated to the canonical profile path.
func (p *Provisioner) EnsureIdentity(ctx context.Context) (*Identity, error) {
	if fileExists(p.cfg.ProfilePath) && fileExists(p.cfg.AccountPath) {
		p.log.Info("tunnel identity found on disk", "profile", p.cfg.ProfilePath)
		return p.loadProfile()
	}

	dir := filepath.Dir(p.cfg.AccountPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &ProvisionError{Step: "prepare", Err: err}
	}

	p.log.Info("no tunnel identity on disk, registering",
		"command", strings.Join(p.cfg.RegisterCommand, " "))
	if err := p.run(ctx, dir, p.cfg.RegisterCommand); err != nil {
		return nil, &ProvisionError{Step: "register", Err: err}
	}

	p.log.Info("generating tunnel profile",
		"command", strings.Join(p.cfg.GenerateCommand, " "))
	if err := p.run(ctx, dir, p.cfg.GenerateCommand); err != nil {
		return nil, &ProvisionError{Step: "generate", Err: err}
	}

	generated := filepath.Join(dir, p.cfg.GeneratedProfile)
	if !fileExists(generated) {
		return nil, &ProvisionError{
			Step: "generate",
			Err:  fmt.Errorf("profile %s missing after generation", generated),
		}
	}

	if err := os.Rename(generated, p.cfg.ProfilePath); err != nil {
		return nil, &ProvisionError{Step: "relocate", Err: err}
	}
	p.log.Info("tunnel profile installed", "profile", p.cfg.ProfilePath)

	return p.loadProfile()
}

// loadProfile reads and parses the canonical profile file.
func (p *Provisioner) loadProfile() (*Identity, error) {
	data, err := os.ReadFile(p.cfg.ProfilePath)
	if err != nil {
		return nil, &ProvisionError{Step: "read", Err: err}
	}

	id, err := ParseProfile(string(data))
	if err != nil {
		return nil, err
	}
	id.ProfilePath = p.cfg.ProfilePath

	if id.MTU == 0 {
		id.MTU = p.cfg.MTU
	}

	p.log.Info("tunnel identity loaded",
		"address", id.Address.String(),
		"endpoint", id.PeerEndpoint,
	)
	return id, nil
}

// execRunner is the production CommandRunner. Output goes to the command's
// combined output and is included in the error on failure.
func execRunner(ctx context.Context, dir string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
