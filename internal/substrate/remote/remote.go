// Package remote provisions the topology on a lab machine over SSH, using
// the same namespace and Open vSwitch layout as the netns substrate but
// driving it with iproute2 command lines.
package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
	"mactable/internal/substrate/iproute"
)

// Name is the registry key of this substrate
const Name = "remote"

// Substrate provisions on a machine reached through a Runner
type Substrate struct {
	ssh          SSHConfig
	dial         func(ctx context.Context, cfg SSHConfig) (Runner, error)
	sudo         bool
	switchKind   config.SwitchKind
	failMode     string
	probeMethod  config.ProbeMethod
	probeTimeout time.Duration
	nsPrefix     string

	operator substrate.Operator
	logger   logging.Logger
}

// Option configures a Substrate
type Option func(*Substrate)

// WithSudo runs privileged commands through sudo -n
func WithSudo(enabled bool) Option {
	return func(s *Substrate) { s.sudo = enabled }
}

// WithSwitchKind selects ovs or bridge
func WithSwitchKind(k config.SwitchKind) Option {
	return func(s *Substrate) { s.switchKind = k }
}

// WithFailMode sets the ovs fail-mode
func WithFailMode(mode string) Option {
	return func(s *Substrate) { s.failMode = mode }
}

// WithProbeMethod selects icmp or nmap probes
func WithProbeMethod(m config.ProbeMethod) Option {
	return func(s *Substrate) { s.probeMethod = m }
}

// WithProbeTimeout bounds a single ping
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Substrate) { s.probeTimeout = d }
}

// WithNamespacePrefix changes the namespace naming prefix
func WithNamespacePrefix(prefix string) Option {
	return func(s *Substrate) { s.nsPrefix = prefix }
}

// WithDialer replaces the SSH dialer
func WithDialer(dial func(ctx context.Context, cfg SSHConfig) (Runner, error)) Option {
	return func(s *Substrate) { s.dial = dial }
}

// WithOperator sets who attends checkpoints
func WithOperator(op substrate.Operator) Option {
	return func(s *Substrate) { s.operator = op }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Substrate) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the substrate for the given SSH target
func New(target SSHConfig, opts ...Option) *Substrate {
	s := &Substrate{
		ssh:          target,
		dial:         Dial,
		switchKind:   config.SwitchOVS,
		failMode:     "secure",
		probeMethod:  config.ProbeICMP,
		probeTimeout: config.DefaultProbeTimeout,
		nsPrefix:     "mt-",
		logger:       logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory builds the substrate from configuration. The password, when
// used, is read from the environment variable the config names.
func Factory(cfg *config.Config, env substrate.Env) (substrate.Substrate, error) {
	rc := cfg.Substrate.Remote
	target := SSHConfig{
		Host:           rc.Host,
		Port:           rc.Port,
		User:           rc.User,
		KeyPath:        rc.KeyPath,
		KnownHostsPath: rc.KnownHostsPath,
		Timeout:        rc.DialTimeout.Duration(),
	}
	if rc.PasswordEnv != "" {
		target.Password = os.Getenv(rc.PasswordEnv)
		if target.Password == "" && rc.KeyPath == "" {
			return nil, fmt.Errorf("environment variable %s is empty", rc.PasswordEnv)
		}
	}

	return New(target,
		WithSudo(rc.Sudo),
		WithSwitchKind(cfg.Substrate.Switch.Kind),
		WithFailMode(cfg.Substrate.Switch.FailMode),
		WithProbeMethod(cfg.Probe.Method),
		WithProbeTimeout(cfg.Timeouts.Probe.Duration()),
		WithOperator(env.Operator),
		WithLogger(env.Logger),
	), nil
}

// Name returns the registry key
func (s *Substrate) Name() string {
	return Name
}

// Instantiate connects to the lab machine and builds the topology there
func (s *Substrate) Instantiate(ctx context.Context, topo *domain.Topology) (substrate.Network, error) {
	if err := topo.Validate(); err != nil {
		return nil, &domain.ProvisioningError{Op: "validate topology", Err: err}
	}

	runner, err := s.dial(ctx, s.ssh)
	if err != nil {
		return nil, &domain.ProvisioningError{Op: "connect", Node: s.ssh.Addr(), Err: err}
	}
	s.logger.Info(ctx, "connected to lab machine", logging.String("addr", s.ssh.Addr()))

	n := &Network{
		s:       s,
		runner:  runner,
		topo:    topo.Clone(),
		ofPorts: make(map[string]map[string]string),
	}
	if err := n.provision(ctx); err != nil {
		if terr := n.Teardown(context.WithoutCancel(ctx)); terr != nil {
			s.logger.Warn(ctx, "teardown after failed provisioning", logging.Err(terr))
		}
		return nil, err
	}
	return n, nil
}

func (s *Substrate) namespace(host string) string {
	return s.nsPrefix + host
}

// commandLine renders argv for the remote shell, adding sudo when configured
func (s *Substrate) commandLine(argv []string) (string, error) {
	if s.sudo {
		argv = iproute.Sudo(argv)
	}
	return iproute.Quote(argv)
}

// commandError folds stderr into err
func commandError(err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}
