// Package sim is an in-process substrate. It models a learning switch, per
// host ARP caches and NIC destination filtering closely enough that MAC
// reassignment has the same visible effect on probes as on a real segment.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
)

// Name is the registry key of this substrate
const Name = "sim"

// Default timers, matching Linux neighbour and bridge defaults
const (
	DefaultARPTimeout = 30 * time.Second
	DefaultAgingTime  = 300 * time.Second
	DefaultLatency    = 50 * time.Microsecond
)

// Substrate builds simulated networks
type Substrate struct {
	now         func() time.Time
	latency     time.Duration
	arpTimeout  time.Duration
	agingTime   time.Duration
	unreachable map[string]bool
	probeErr    error
	provErr     error
	operator    substrate.Operator
	logger      logging.Logger
}

// Option configures a Substrate
type Option func(*Substrate)

// WithClock injects the time source used for ARP and CAM aging
func WithClock(now func() time.Time) Option {
	return func(s *Substrate) {
		s.now = now
	}
}

// WithLatency sets the one-way delay of every switch hop
func WithLatency(d time.Duration) Option {
	return func(s *Substrate) {
		s.latency = d
	}
}

// WithARPTimeout sets how long a neighbour entry is used before re-resolving
func WithARPTimeout(d time.Duration) Option {
	return func(s *Substrate) {
		if d > 0 {
			s.arpTimeout = d
		}
	}
}

// WithAgingTime sets the switch CAM entry lifetime
func WithAgingTime(d time.Duration) Option {
	return func(s *Substrate) {
		if d > 0 {
			s.agingTime = d
		}
	}
}

// WithUnreachable marks hosts whose interface cannot be configured or reached
func WithUnreachable(hosts ...string) Option {
	return func(s *Substrate) {
		for _, h := range hosts {
			s.unreachable[h] = true
		}
	}
}

// WithProbeFailure makes every probe return err
func WithProbeFailure(err error) Option {
	return func(s *Substrate) {
		s.probeErr = err
	}
}

// WithProvisioningFailure makes Instantiate fail with err
func WithProvisioningFailure(err error) Option {
	return func(s *Substrate) {
		s.provErr = err
	}
}

// WithOperator sets who attends checkpoints; nil releases immediately
func WithOperator(op substrate.Operator) Option {
	return func(s *Substrate) {
		s.operator = op
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Substrate) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a simulated substrate
func New(opts ...Option) *Substrate {
	s := &Substrate{
		now:         time.Now,
		latency:     DefaultLatency,
		arpTimeout:  DefaultARPTimeout,
		agingTime:   DefaultAgingTime,
		unreachable: make(map[string]bool),
		logger:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory builds the substrate from configuration
func Factory(cfg *config.Config, env substrate.Env) (substrate.Substrate, error) {
	sc := cfg.Substrate.Sim
	opts := []Option{
		WithARPTimeout(sc.ARPTimeout.Duration()),
		WithAgingTime(sc.AgingTime.Duration()),
		WithOperator(env.Operator),
		WithLogger(env.Logger),
	}
	if sc.Latency > 0 {
		opts = append(opts, WithLatency(sc.Latency.Duration()))
	}
	return New(opts...), nil
}

// Name returns the registry key
func (s *Substrate) Name() string {
	return Name
}

// Instantiate builds the in-memory segment. Hosts get sequential MACs the way
// Mininet assigns them with autoSetMacs.
func (s *Substrate) Instantiate(ctx context.Context, topo *domain.Topology) (substrate.Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ProvisioningError{Op: "instantiate", Err: err}
	}
	if err := topo.Validate(); err != nil {
		return nil, &domain.ProvisioningError{Op: "validate topology", Err: err}
	}
	if s.provErr != nil {
		return nil, &domain.ProvisioningError{Op: "instantiate", Err: s.provErr}
	}
	if len(topo.Switches) != 1 {
		return nil, &domain.ProvisioningError{Op: "instantiate", Err: fmt.Errorf("sim supports exactly one switch, got %d", len(topo.Switches))}
	}

	n := newNetwork(s, topo.Clone())
	for i, h := range n.topo.Hosts {
		mac := fmt.Sprintf("00:00:00:00:00:%02x", i+1)
		n.topo.Hosts[i].MAC = mac
		n.hosts[h.Name].mac = mac
	}

	s.logger.Info(ctx, "sim network instantiated",
		logging.Int("hosts", len(n.topo.Hosts)),
		logging.String("switch", n.sw.name),
		logging.String("controller", topo.Controller.String()))
	return n, nil
}

var errTornDown = errors.New("network torn down")
