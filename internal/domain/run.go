package domain

import "time"

// RunState is the sequencer state machine position
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateSuspended RunState = "suspended" // Parked at a checkpoint
	RunStateCompleted RunState = "completed"
	RunStateAborted   RunState = "aborted"
)

// Terminal reports whether no further transition is possible
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateAborted
}

// StepStatus summarises how a step ended
type StepStatus string

const (
	StepStatusOK       StepStatus = "ok"
	StepStatusNoop     StepStatus = "noop"     // Address already active
	StepStatusFailed   StepStatus = "failed"   // Fatal for set_address, recorded for probe
	StepStatusReleased StepStatus = "released" // Operator released a checkpoint
)

// ProbeMethod identifies the reachability primitive used
type ProbeMethod string

const (
	ProbeMethodICMP ProbeMethod = "icmp"
	ProbeMethodNmap ProbeMethod = "nmap"
	ProbeMethodSim  ProbeMethod = "sim"
)

// ProbeOutcome is the recorded result of a single reachability check
type ProbeOutcome struct {
	From      string        `json:"from" yaml:"from"`
	To        string        `json:"to" yaml:"to"`
	ToAddress string        `json:"to_address" yaml:"to_address"`
	Success   bool          `json:"success" yaml:"success"`
	Latency   time.Duration `json:"latency" yaml:"latency"`
	Method    ProbeMethod   `json:"method" yaml:"method"`
	// ObservedMAC is the responder address when the method reports one
	ObservedMAC string    `json:"observed_mac,omitempty" yaml:"observed_mac,omitempty"`
	Detail      string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	At          time.Time `json:"at" yaml:"at"`
}

// Result returns "success" or "failure"
func (p ProbeOutcome) Result() string {
	if p.Success {
		return "success"
	}
	return "failure"
}

// AddressAck is the substrate acknowledgement of a MAC reassignment
type AddressAck struct {
	Host     string `json:"host" yaml:"host"`
	Previous string `json:"previous" yaml:"previous"`
	Current  string `json:"current" yaml:"current"`
	Changed  bool   `json:"changed" yaml:"changed"`
}

// StepRecord is the journal entry for one executed step
type StepRecord struct {
	Index      int           `json:"index" yaml:"index"`
	Step       Step          `json:"step" yaml:"step"`
	Status     StepStatus    `json:"status" yaml:"status"`
	Ack        *AddressAck   `json:"ack,omitempty" yaml:"ack,omitempty"`
	Probe      *ProbeOutcome `json:"probe,omitempty" yaml:"probe,omitempty"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
}

// Duration returns how long the step took
func (r StepRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Run is the journal of one scenario execution
type Run struct {
	ID         string       `json:"id" yaml:"id"`
	Scenario   string       `json:"scenario" yaml:"scenario"`
	Substrate  string       `json:"substrate" yaml:"substrate"`
	State      RunState     `json:"state" yaml:"state"`
	StepCount  int          `json:"step_count" yaml:"step_count"`
	Records    []StepRecord `json:"records" yaml:"records"`
	FailedStep *int         `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Reason     string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// NewRun creates a run journal in the idle state
func NewRun(id, scenario, substrate string, stepCount int) *Run {
	return &Run{
		ID:        id,
		Scenario:  scenario,
		Substrate: substrate,
		State:     RunStateIdle,
		StepCount: stepCount,
		Records:   make([]StepRecord, 0, stepCount),
		StartedAt: time.Now(),
	}
}

// ProbeOutcomes returns the recorded probe results in execution order
func (r *Run) ProbeOutcomes() []ProbeOutcome {
	var out []ProbeOutcome
	for _, rec := range r.Records {
		if rec.Probe != nil {
			out = append(out, *rec.Probe)
		}
	}
	return out
}

// Suspensions counts checkpoints the run passed through
func (r *Run) Suspensions() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Step.Kind == StepCheckpoint {
			n++
		}
	}
	return n
}

// Duration returns wall time from start to finish (or zero while running)
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Finish moves the run to a terminal state
func (r *Run) Finish(state RunState, reason string) {
	now := time.Now()
	r.State = state
	r.Reason = reason
	r.FinishedAt = &now
}

// ForwardingEntry is one row of a switch forwarding (CAM) table
type ForwardingEntry struct {
	Switch string        `json:"switch" yaml:"switch"`
	Port   string        `json:"port" yaml:"port"`
	MAC    string        `json:"mac" yaml:"mac"`
	Age    time.Duration `json:"age" yaml:"age"`
	Local  bool          `json:"local,omitempty" yaml:"local,omitempty"`
}
