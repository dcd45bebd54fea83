package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/loader"
	"mactable/internal/logging"
	"mactable/internal/observability"
	"mactable/internal/repository"
	"mactable/internal/sequencer"
	"mactable/internal/substrate"
	"mactable/internal/topology"
)

var (
	// ErrRunNotFound is returned for an unknown run id
	ErrRunNotFound = errors.New("run not found")
	// ErrNoJournal is returned by read operations when no repository is configured
	ErrNoJournal = errors.New("no run journal configured")
)

// Status describes the run in progress, if any
type Status struct {
	Active    bool            `json:"active"`
	RunID     string          `json:"run_id,omitempty"`
	Scenario  string          `json:"scenario,omitempty"`
	Substrate string          `json:"substrate,omitempty"`
	State     domain.RunState `json:"state"`
	StepIndex int             `json:"step_index"`
	StepCount int             `json:"step_count"`
	Step      string          `json:"step,omitempty"`
}

// RunService executes scenarios and serves the run journal
type RunService struct {
	substrate substrate.Substrate
	repo      repository.Repository
	bus       *EventBus
	metrics   *observability.Metrics
	logger    logging.Logger
	topoOpts  []topology.Option

	setAddressTimeout time.Duration
	probeTimeout      time.Duration
	teardownTimeout   time.Duration

	mu      sync.Mutex
	current *sequencer.Sequencer
	steps   []domain.Step
	last    *domain.Run
}

// Option configures a RunService
type Option func(*RunService)

// WithRepository journals runs to repo
func WithRepository(repo repository.Repository) Option {
	return func(s *RunService) { s.repo = repo }
}

// WithEventBus publishes run events on bus
func WithEventBus(bus *EventBus) Option {
	return func(s *RunService) { s.bus = bus }
}

// WithMetrics records run metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *RunService) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *RunService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTopologyOptions adds options applied after the scenario's own
// topology overrides
func WithTopologyOptions(opts ...topology.Option) Option {
	return func(s *RunService) { s.topoOpts = append(s.topoOpts, opts...) }
}

// WithTimeouts applies the configured step and teardown bounds
func WithTimeouts(t config.TimeoutConfig) Option {
	return func(s *RunService) {
		if d := t.SetAddress.Duration(); d > 0 {
			s.setAddressTimeout = d
		}
		if d := t.Probe.Duration(); d > 0 {
			s.probeTimeout = d
		}
		if d := t.Teardown.Duration(); d > 0 {
			s.teardownTimeout = d
		}
	}
}

// NewRunService creates a run service on the given substrate
func NewRunService(sub substrate.Substrate, opts ...Option) *RunService {
	s := &RunService{
		substrate:         sub,
		bus:               NewEventBus(),
		logger:            logging.Noop(),
		setAddressTimeout: config.DefaultSetAddressTimeout,
		probeTimeout:      config.DefaultProbeTimeout,
		teardownTimeout:   config.DefaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventBus returns the bus run events are published on
func (s *RunService) EventBus() *EventBus {
	return s.bus
}

// Execute runs a scenario on a freshly instantiated topology. A provisioning
// failure aborts before any step. The network is torn down in every case.
// The returned error is non-nil exactly when the run aborted.
func (s *RunService) Execute(ctx context.Context, sc *loader.Scenario) (*domain.Run, error) {
	topo := sc.Topology(s.topoOpts...)
	run := domain.NewRun(uuid.NewString(), sc.Name, s.substrate.Name(), len(sc.Steps))
	ctx, reqID := logging.EnsureRequestID(ctx)
	log := s.logger.With(
		logging.String("request_id", reqID),
		logging.String("run_id", run.ID),
		logging.String("substrate", run.Substrate))

	s.persist(ctx, "create run", func(ctx context.Context) error { return s.repo.CreateRun(ctx, run) })
	s.bus.Publish(Event{Type: EventRunStarted, RunID: run.ID, Payload: map[string]any{
		"scenario":  run.Scenario,
		"substrate": run.Substrate,
		"steps":     run.StepCount,
	}})

	log.Info(ctx, "instantiating topology", logging.String("topology", topo.Describe()))
	network, err := s.substrate.Instantiate(ctx, topo)
	if err != nil {
		run.Finish(domain.RunStateAborted, err.Error())
		log.Error(ctx, "provisioning failed", logging.Err(err))
		s.finish(ctx, run)
		return run, err
	}

	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.teardownTimeout)
		defer cancel()
		if terr := network.Teardown(tctx); terr != nil {
			log.Error(ctx, "teardown failed", logging.Err(terr))
		}
	}()

	j := &journal{ctx: context.WithoutCancel(ctx), repo: s.repo, bus: s.bus, metrics: s.metrics, logger: log}
	seq := sequencer.New(network, sc.Steps,
		sequencer.WithRun(run),
		sequencer.WithObserver(j),
		sequencer.WithTimeouts(s.setAddressTimeout, s.probeTimeout),
		sequencer.WithLogger(log),
	)

	s.mu.Lock()
	s.current, s.steps = seq, sc.Steps
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current, s.steps = nil, nil
		s.mu.Unlock()
	}()

	run, err = seq.Run(ctx)
	s.finish(ctx, run)
	return run, err
}

func (s *RunService) finish(ctx context.Context, run *domain.Run) {
	s.persist(ctx, "finish run", func(ctx context.Context) error { return s.repo.FinishRun(ctx, run) })
	s.metrics.ObserveRun(run)
	s.bus.Publish(Event{Type: EventRunFinished, RunID: run.ID, Payload: map[string]any{
		"state":       run.State,
		"reason":      run.Reason,
		"failed_step": run.FailedStep,
		"probes":      len(run.ProbeOutcomes()),
		"checkpoints": run.Suspensions(),
	}})

	s.mu.Lock()
	cp := *run
	s.last = &cp
	s.mu.Unlock()
}

// persist runs a journal write when a repository is configured. Failures
// are logged only.
func (s *RunService) persist(ctx context.Context, what string, fn func(context.Context) error) {
	if s.repo == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn(ctx, "journal write failed", logging.String("op", what), logging.Err(err))
	}
}

// Status reports the current run, or the last finished one when idle
func (s *RunService) Status() Status {
	s.mu.Lock()
	seq, steps, last := s.current, s.steps, s.last
	s.mu.Unlock()

	if seq == nil {
		st := Status{State: domain.RunStateIdle, StepIndex: -1}
		if last != nil {
			st.RunID, st.Scenario, st.Substrate = last.ID, last.Scenario, last.Substrate
			st.State, st.StepCount = last.State, last.StepCount
			if n := len(last.Records); n > 0 {
				st.StepIndex = n - 1
			}
		}
		return st
	}

	snap := seq.Snapshot()
	st := Status{
		Active:    !snap.State.Terminal(),
		RunID:     snap.ID,
		Scenario:  snap.Scenario,
		Substrate: snap.Substrate,
		State:     snap.State,
		StepIndex: seq.StepIndex(),
		StepCount: snap.StepCount,
	}
	if st.StepIndex >= 0 && st.StepIndex < len(steps) {
		st.Step = steps[st.StepIndex].String()
	}
	return st
}

// GetRun loads a journaled run
func (s *RunService) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	if s.repo == nil {
		return nil, ErrNoJournal
	}
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, nil
}

// ListRuns returns the most recent runs
func (s *RunService) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if s.repo == nil {
		return nil, ErrNoJournal
	}
	return s.repo.ListRuns(ctx, limit)
}
