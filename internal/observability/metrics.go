// Package observability exposes scenario execution as Prometheus metrics.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mactable/internal/domain"
)

var runStates = []domain.RunState{
	domain.RunStateIdle,
	domain.RunStateRunning,
	domain.RunStateSuspended,
	domain.RunStateCompleted,
	domain.RunStateAborted,
}

// Metrics bundles the run collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	Steps          *prometheus.CounterVec
	Probes         *prometheus.CounterVec
	ProbeLatency   *prometheus.HistogramVec
	AddressChanges *prometheus.CounterVec
	CheckpointWait *prometheus.HistogramVec
	Runs           *prometheus.CounterVec
	RunState       *prometheus.GaugeVec
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice returns the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error

	if m.Steps, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mactable_steps_total",
		Help: "Scenario steps executed, by kind and status.",
	}, []string{"kind", "status"}), "mactable_steps_total"); err != nil {
		return nil, err
	}
	if m.Probes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mactable_probes_total",
		Help: "Connectivity probes, by result.",
	}, []string{"result"}), "mactable_probes_total"); err != nil {
		return nil, err
	}
	if m.ProbeLatency, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mactable_probe_latency_seconds",
		Help:    "Round-trip time of successful probes.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method"}), "mactable_probe_latency_seconds"); err != nil {
		return nil, err
	}
	if m.AddressChanges, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mactable_address_changes_total",
		Help: "Hardware address reassignments that changed the active MAC, by host.",
	}, []string{"host"}), "mactable_address_changes_total"); err != nil {
		return nil, err
	}
	if m.CheckpointWait, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mactable_checkpoint_wait_seconds",
		Help:    "Time the run spent suspended at operator checkpoints.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"status"}), "mactable_checkpoint_wait_seconds"); err != nil {
		return nil, err
	}
	if m.Runs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mactable_runs_total",
		Help: "Finished scenario runs, by terminal state.",
	}, []string{"state"}), "mactable_runs_total"); err != nil {
		return nil, err
	}
	if m.RunState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mactable_run_state",
		Help: "1 for the state the current run is in, 0 otherwise.",
	}, []string{"state"}), "mactable_run_state"); err != nil {
		return nil, err
	}

	m.SetState(domain.RunStateIdle)
	return m, nil
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetState moves the run-state gauge
func (m *Metrics) SetState(state domain.RunState) {
	if m == nil {
		return
	}
	for _, s := range runStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.RunState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveStep records a finished step
func (m *Metrics) ObserveStep(rec domain.StepRecord) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(string(rec.Step.Kind), string(rec.Status)).Inc()

	switch rec.Step.Kind {
	case domain.StepSetAddress:
		if rec.Ack != nil && rec.Ack.Changed {
			m.AddressChanges.WithLabelValues(rec.Ack.Host).Inc()
		}
	case domain.StepProbe:
		if rec.Probe == nil {
			return
		}
		m.Probes.WithLabelValues(rec.Probe.Result()).Inc()
		if rec.Probe.Success {
			m.ProbeLatency.WithLabelValues(string(rec.Probe.Method)).Observe(rec.Probe.Latency.Seconds())
		}
	case domain.StepCheckpoint:
		m.CheckpointWait.WithLabelValues(string(rec.Status)).Observe(rec.Duration().Seconds())
	}
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(run *domain.Run) {
	if m == nil || run == nil {
		return
	}
	m.Runs.WithLabelValues(string(run.State)).Inc()
	m.SetState(run.State)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
