package service

import (
	"context"

	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/observability"
	"mactable/internal/repository"
	"mactable/internal/sequencer"
)

// StepEvent is the payload of step-started
type StepEvent struct {
	Index int         `json:"index"`
	Step  domain.Step `json:"step"`
	Label string      `json:"label"`
}

// StateEvent is the payload of state-changed
type StateEvent struct {
	From domain.RunState `json:"from"`
	To   domain.RunState `json:"to"`
}

// journal fans sequencer callbacks out to the repository, the event bus and
// the metrics
type journal struct {
	ctx     context.Context
	repo    repository.Repository
	bus     *EventBus
	metrics *observability.Metrics
	logger  logging.Logger
}

var _ sequencer.Observer = (*journal)(nil)

func (j *journal) StateChanged(run *domain.Run, from, to domain.RunState) {
	j.metrics.SetState(to)
	j.bus.Publish(Event{Type: EventStateChanged, RunID: run.ID, Payload: StateEvent{From: from, To: to}})
	if j.repo == nil || to.Terminal() {
		return
	}
	if err := j.repo.UpdateRunState(j.ctx, run.ID, to); err != nil {
		j.logger.Warn(j.ctx, "journal state change failed", logging.String("run_id", run.ID), logging.Err(err))
	}
}

func (j *journal) StepStarted(run *domain.Run, index int, step domain.Step) {
	j.bus.Publish(Event{Type: EventStepStarted, RunID: run.ID, Payload: StepEvent{Index: index, Step: step, Label: step.String()}})
}

func (j *journal) StepFinished(run *domain.Run, rec domain.StepRecord) {
	j.metrics.ObserveStep(rec)
	j.bus.Publish(Event{Type: EventStepFinished, RunID: run.ID, Payload: rec})
	if j.repo == nil {
		return
	}
	if err := j.repo.AppendStep(j.ctx, run.ID, rec); err != nil {
		j.logger.Warn(j.ctx, "journal step failed", logging.String("run_id", run.ID), logging.Int("step", rec.Index), logging.Err(err))
	}
}
