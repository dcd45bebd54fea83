// Package netns builds the topology from Linux network namespaces joined to
// an Open vSwitch bridge (bound to the external controller) or to a plain
// Linux bridge. It needs root.
package netns

import (
	"context"
	"fmt"
	"net"
	"time"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
	"mactable/internal/substrate/iproute"
	"mactable/internal/substrate/probe"
)

// Name is the registry key of this substrate
const Name = "netns"

// DefaultNamespacePrefix is prepended to host names to form namespace names
const DefaultNamespacePrefix = "mt-"

// Substrate provisions namespaces on the local kernel
type Substrate struct {
	switchKind       config.SwitchKind
	failMode         string
	probeMethod      config.ProbeMethod
	requireReachable bool
	nsPrefix         string
	dialTimeout      time.Duration
	probeTimeout     time.Duration

	cmd      Commander
	dp       dataplane
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	pinger   *probe.NmapPinger
	operator substrate.Operator
	logger   logging.Logger
}

// Option configures a Substrate
type Option func(*Substrate)

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

// WithRequireReachableController makes an unreachable controller a
// provisioning failure instead of a warning
func WithRequireReachableController(required bool) Option {
	return func(s *Substrate) { s.requireReachable = required }
}

// WithNamespacePrefix changes the namespace naming prefix
func WithNamespacePrefix(prefix string) Option {
	return func(s *Substrate) { s.nsPrefix = prefix }
}

// WithProbeTimeout bounds a single ping
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Substrate) { s.probeTimeout = d }
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

// WithCommander replaces the external command runner
func WithCommander(c Commander) Option {
	return func(s *Substrate) { s.cmd = c }
}

// WithDialer replaces the controller reachability dialer
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(s *Substrate) { s.dial = dial }
}

func withDataplane(dp dataplane) Option {
	return func(s *Substrate) { s.dp = dp }
}

// New creates the substrate. The kernel dataplane is opened lazily unless
// one was injected.
func New(opts ...Option) *Substrate {
	s := &Substrate{
		switchKind:   config.SwitchOVS,
		failMode:     "secure",
		probeMethod:  config.ProbeICMP,
		nsPrefix:     DefaultNamespacePrefix,
		dialTimeout:  3 * time.Second,
		probeTimeout: config.DefaultProbeTimeout,
		cmd:          execCommander{},
		logger:       logging.Noop(),
	}
	d := &net.Dialer{}
	s.dial = d.DialContext
	for _, opt := range opts {
		opt(s)
	}
	if s.pinger == nil {
		s.pinger = probe.NewNmapPinger(probe.WithTimeout(s.probeTimeout))
	}
	return s
}

// Factory builds the substrate from configuration
func Factory(cfg *config.Config, env substrate.Env) (substrate.Substrate, error) {
	sc := cfg.Substrate
	return New(
		WithSwitchKind(sc.Switch.Kind),
		WithFailMode(sc.Switch.FailMode),
		WithProbeMethod(cfg.Probe.Method),
		WithRequireReachableController(sc.Controller.RequireReachable),
		WithProbeTimeout(cfg.Timeouts.Probe.Duration()),
		WithOperator(env.Operator),
		WithLogger(env.Logger),
	), nil
}

// Name returns the registry key
func (s *Substrate) Name() string {
	return Name
}

// Instantiate creates one namespace per host, a veth pair per link and the
// switch. Anything created before a failure is torn down again.
func (s *Substrate) Instantiate(ctx context.Context, topo *domain.Topology) (substrate.Network, error) {
	if err := topo.Validate(); err != nil {
		return nil, &domain.ProvisioningError{Op: "validate topology", Err: err}
	}
	if s.dp == nil {
		dp, err := newDataplane()
		if err != nil {
			return nil, &domain.ProvisioningError{Op: "open dataplane", Err: err}
		}
		s.dp = dp
	}

	if err := s.checkController(ctx, topo.Controller); err != nil {
		return nil, err
	}

	n := &Network{
		s:       s,
		topo:    topo.Clone(),
		ofPorts: make(map[string]map[string]string),
	}
	if err := n.provision(ctx); err != nil {
		if terr := n.Teardown(context.WithoutCancel(ctx)); terr != nil {
			s.logger.Warn(ctx, "teardown after failed provisioning", logging.Err(terr))
		}
		return nil, err
	}

	s.logger.Info(ctx, "netns network instantiated",
		logging.Int("hosts", len(n.topo.Hosts)),
		logging.String("switch_kind", string(s.switchKind)),
		logging.String("controller", topo.Controller.String()))
	return n, nil
}

func (s *Substrate) checkController(ctx context.Context, ctrl domain.ControllerEndpoint) error {
	if ctrl.IsZero() || s.switchKind != config.SwitchOVS {
		if !ctrl.IsZero() {
			s.logger.Warn(ctx, "controller ignored by linux bridge", logging.String("controller", ctrl.String()))
		}
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	conn, err := s.dial(dctx, "tcp", ctrl.HostPort())
	if err == nil {
		conn.Close()
		return nil
	}
	if s.requireReachable {
		return &domain.ProvisioningError{Op: "reach controller", Node: ctrl.HostPort(), Err: err}
	}
	s.logger.Warn(ctx, "controller not reachable, switch will stay in fail-mode until it is",
		logging.String("controller", ctrl.HostPort()),
		logging.String("fail_mode", s.failMode),
		logging.Err(err))
	return nil
}

func (s *Substrate) namespace(host string) string {
	return s.nsPrefix + host
}

func (s *Substrate) run(ctx context.Context, argv []string) (string, error) {
	stdout, stderr, err := s.cmd.Run(ctx, argv...)
	if err != nil {
		if stderr != "" {
			return stdout, fmt.Errorf("%w: %s", err, stderr)
		}
		return stdout, err
	}
	return stdout, nil
}

// commandFor renders a switch command for logging
func commandFor(argv []string) string {
	q, err := iproute.Quote(argv)
	if err != nil {
		return fmt.Sprint(argv)
	}
	return q
}
