// Package sequencer executes an attack scenario against a live network:
// MAC reassignments, probes and operator checkpoints, strictly in order.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
)

// ErrAlreadyStarted is returned when Run is called twice
var ErrAlreadyStarted = errors.New("sequencer already started")

// Observer receives every transition and record synchronously, in order.
// Implementations must not block for long; the run waits for them.
type Observer interface {
	StateChanged(run *domain.Run, from, to domain.RunState)
	StepStarted(run *domain.Run, index int, step domain.Step)
	StepFinished(run *domain.Run, rec domain.StepRecord)
}

// Sequencer drives one run. It is not reusable.
type Sequencer struct {
	network           substrate.Network
	steps             []domain.Step
	observers         []Observer
	setAddressTimeout time.Duration
	probeTimeout      time.Duration
	now               func() time.Time
	logger            logging.Logger

	mu    sync.Mutex
	run   *domain.Run
	index int
}

// Option configures a Sequencer
type Option func(*Sequencer)

// WithObserver adds an observer
func WithObserver(o Observer) Option {
	return func(s *Sequencer) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithTimeouts bounds SetAddress and Probe steps. Zero keeps the default.
func WithTimeouts(setAddress, probe time.Duration) Option {
	return func(s *Sequencer) {
		if setAddress > 0 {
			s.setAddressTimeout = setAddress
		}
		if probe > 0 {
			s.probeTimeout = probe
		}
	}
}

// WithRun supplies the journal to fill, so callers can fix its ID and labels
func WithRun(run *domain.Run) Option {
	return func(s *Sequencer) {
		if run != nil {
			s.run = run
		}
	}
}

// WithClock overrides time.Now for step timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a sequencer for steps on network
func New(network substrate.Network, steps []domain.Step, opts ...Option) *Sequencer {
	s := &Sequencer{
		network:           network,
		steps:             append([]domain.Step(nil), steps...),
		setAddressTimeout: config.DefaultSetAddressTimeout,
		probeTimeout:      config.DefaultProbeTimeout,
		now:               time.Now,
		logger:            logging.Noop(),
		index:             -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.run == nil {
		s.run = domain.NewRun(uuid.NewString(), "", "", len(s.steps))
	}
	s.run.StepCount = len(s.steps)
	return s
}

// State returns the current run state
func (s *Sequencer) State() domain.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.State
}

// StepIndex returns the zero-based index of the step in progress or last
// executed, -1 before the first step
func (s *Sequencer) StepIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Snapshot returns a copy of the run journal
func (s *Sequencer) Snapshot() domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.run
	cp.Records = append([]domain.StepRecord(nil), s.run.Records...)
	return cp
}

// Run executes every step in order. It returns the journal and, when the run
// aborted, an error: a *domain.StepError for a fatal step, or the context
// error when ctx was cancelled. Cancellation never sets FailedStep.
func (s *Sequencer) Run(ctx context.Context) (*domain.Run, error) {
	s.mu.Lock()
	if s.run.State != domain.RunStateIdle {
		s.mu.Unlock()
		return s.run, ErrAlreadyStarted
	}
	s.run.StartedAt = s.now()
	s.mu.Unlock()

	ctx = logging.ContextWithLogger(ctx, s.logger.With(logging.String("run_id", s.run.ID)))
	log := logging.FromContext(ctx, s.logger)

	s.transition(domain.RunStateRunning)
	log.Info(ctx, "scenario started", logging.Int("steps", len(s.steps)))

	for i, step := range s.steps {
		if err := ctx.Err(); err != nil {
			s.abort(nil, err)
			return s.run, err
		}

		s.mu.Lock()
		s.index = i
		s.mu.Unlock()
		s.notifyStarted(i, step)

		rec, err := s.execute(ctx, i, step)
		s.record(rec)

		if err != nil && ctx.Err() != nil {
			// Cancellation is not a step failure
			s.abort(nil, ctx.Err())
			log.Warn(ctx, "scenario interrupted", logging.Int("step", i), logging.Err(err))
			return s.run, ctx.Err()
		}
		if err != nil {
			stepErr := &domain.StepError{Index: i, Step: step, Err: err}
			s.abort(&i, stepErr)
			log.Error(ctx, "scenario aborted", logging.Err(stepErr))
			return s.run, stepErr
		}
	}

	s.finish(domain.RunStateCompleted, "")
	log.Info(ctx, "scenario completed",
		logging.Int("probes", len(s.run.ProbeOutcomes())),
		logging.Int("checkpoints", s.run.Suspensions()))
	return s.run, nil
}

func (s *Sequencer) execute(ctx context.Context, i int, step domain.Step) (domain.StepRecord, error) {
	rec := domain.StepRecord{Index: i, Step: step, StartedAt: s.now()}
	var err error

	switch step.Kind {
	case domain.StepSetAddress:
		err = s.setAddress(ctx, &rec)
	case domain.StepProbe:
		s.probe(ctx, &rec)
	case domain.StepCheckpoint:
		err = s.checkpoint(ctx, &rec)
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}

	rec.FinishedAt = s.now()
	if err != nil {
		rec.Status = domain.StepStatusFailed
		rec.Error = err.Error()
	}
	return rec, err
}

// setAddress is fatal on any substrate failure. Failures outside the domain
// taxonomy, timeouts included, are reported as the host being unreachable.
func (s *Sequencer) setAddress(ctx context.Context, rec *domain.StepRecord) error {
	step := rec.Step
	sctx, cancel := context.WithTimeout(ctx, s.setAddressTimeout)
	defer cancel()

	ack, err := s.network.SetHardwareAddress(sctx, step.Host, step.MAC)
	if err != nil {
		if ctx.Err() == nil && !domain.IsFatal(err) {
			err = &domain.HostUnreachableError{Host: step.Host, Err: err}
		}
		return err
	}

	rec.Ack = &ack
	rec.Status = domain.StepStatusOK
	if !ack.Changed {
		rec.Status = domain.StepStatusNoop
	}
	logging.FromContext(ctx, s.logger).Info(ctx, "address set",
		logging.String("host", ack.Host),
		logging.String("previous", ack.Previous),
		logging.String("current", ack.Current),
		logging.Bool("changed", ack.Changed))
	return nil
}

// probe never fails the run; every problem becomes a failed outcome
func (s *Sequencer) probe(ctx context.Context, rec *domain.StepRecord) {
	step := rec.Step
	outcome := domain.ProbeOutcome{From: step.From, To: step.To, At: s.now()}

	target, ok := s.network.Topology().Host(step.To)
	if !ok {
		outcome.Detail = fmt.Sprintf("unknown host %s", step.To)
		s.finishProbe(ctx, rec, outcome)
		return
	}
	outcome.ToAddress = target.Address()

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	got, err := s.network.Probe(pctx, step.From, outcome.ToAddress)
	switch {
	case err != nil:
		outcome.Detail = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			outcome.Detail = fmt.Sprintf("no reply within %s", s.probeTimeout)
		}
	default:
		got.From, got.To, got.ToAddress = step.From, step.To, outcome.ToAddress
		if got.At.IsZero() {
			got.At = outcome.At
		}
		outcome = got
	}
	s.finishProbe(ctx, rec, outcome)
}

func (s *Sequencer) finishProbe(ctx context.Context, rec *domain.StepRecord, outcome domain.ProbeOutcome) {
	rec.Probe = &outcome
	rec.Status = domain.StepStatusOK
	if !outcome.Success {
		rec.Status = domain.StepStatusFailed
	}
	logging.FromContext(ctx, s.logger).Info(ctx, "probe",
		logging.String("from", outcome.From),
		logging.String("to", outcome.To),
		logging.String("result", outcome.Result()),
		logging.Duration("latency", outcome.Latency),
		logging.String("detail", outcome.Detail))
}

// checkpoint suspends the run until the operator releases it. There is no
// timeout.
func (s *Sequencer) checkpoint(ctx context.Context, rec *domain.StepRecord) error {
	log := logging.FromContext(ctx, s.logger)
	s.transition(domain.RunStateSuspended)
	log.Info(ctx, "checkpoint, waiting for operator", logging.String("note", rec.Step.Note))

	err := s.network.OpenInteractiveSession(ctx)
	if err != nil {
		return err
	}

	s.transition(domain.RunStateRunning)
	rec.Status = domain.StepStatusReleased
	log.Info(ctx, "checkpoint released")
	return nil
}

func (s *Sequencer) record(rec domain.StepRecord) {
	s.mu.Lock()
	s.run.Records = append(s.run.Records, rec)
	s.mu.Unlock()
	for _, o := range s.observers {
		o.StepFinished(s.run, rec)
	}
}

func (s *Sequencer) abort(failed *int, cause error) {
	s.mu.Lock()
	if failed != nil {
		idx := *failed
		s.run.FailedStep = &idx
	}
	s.mu.Unlock()
	s.finish(domain.RunStateAborted, cause.Error())
}

func (s *Sequencer) finish(state domain.RunState, reason string) {
	s.mu.Lock()
	from := s.run.State
	s.run.Finish(state, reason)
	at := s.now()
	s.run.FinishedAt = &at
	s.mu.Unlock()
	s.notifyState(from, state)
}

func (s *Sequencer) transition(to domain.RunState) {
	s.mu.Lock()
	from := s.run.State
	s.run.State = to
	s.mu.Unlock()
	s.notifyState(from, to)
}

func (s *Sequencer) notifyState(from, to domain.RunState) {
	for _, o := range s.observers {
		o.StateChanged(s.run, from, to)
	}
}

func (s *Sequencer) notifyStarted(i int, step domain.Step) {
	for _, o := range s.observers {
		o.StepStarted(s.run, i, step)
	}
}
