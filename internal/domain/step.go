package domain

import "fmt"

// StepKind tags a scenario step
type StepKind string

const (
	StepSetAddress StepKind = "set_address"
	StepProbe      StepKind = "probe"
	StepCheckpoint StepKind = "checkpoint"
)

// Step is one entry of an attack scenario. Only the fields of its Kind are set.
type Step struct {
	Kind StepKind `json:"kind" yaml:"kind"`
	Host string   `json:"host,omitempty" yaml:"host,omitempty"`
	MAC  string   `json:"mac,omitempty" yaml:"mac,omitempty"`
	From string   `json:"from,omitempty" yaml:"from,omitempty"`
	To   string   `json:"to,omitempty" yaml:"to,omitempty"`
	Note string   `json:"note,omitempty" yaml:"note,omitempty"`
}

// SetAddress builds a MAC reassignment step
func SetAddress(host, mac string) Step {
	return Step{Kind: StepSetAddress, Host: host, MAC: mac}
}

// Probe builds a single-shot connectivity check
func Probe(from, to string) Step {
	return Step{Kind: StepProbe, From: from, To: to}
}

// Checkpoint builds an operator suspension point
func Checkpoint() Step {
	return Step{Kind: StepCheckpoint}
}

// String renders the step as kind(args)
func (s Step) String() string {
	switch s.Kind {
	case StepSetAddress:
		return fmt.Sprintf("set_address(%s, %s)", s.Host, s.MAC)
	case StepProbe:
		return fmt.Sprintf("probe(%s, %s)", s.From, s.To)
	case StepCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("%s(?)", s.Kind)
	}
}

// Validate checks the step shape and its host references. MAC syntax is not
// checked here: a malformed address is a runtime failure of the step.
func (s Step) Validate(topo *Topology) error {
	switch s.Kind {
	case StepSetAddress:
		if s.Host == "" {
			return fmt.Errorf("%s: host is required", s.Kind)
		}
		if s.MAC == "" {
			return fmt.Errorf("%s: mac is required", s.Kind)
		}
		if topo != nil {
			if _, ok := topo.Host(s.Host); !ok {
				return fmt.Errorf("%s: unknown host %q", s.Kind, s.Host)
			}
		}
	case StepProbe:
		if s.From == "" || s.To == "" {
			return fmt.Errorf("%s: from and to are required", s.Kind)
		}
		if s.From == s.To {
			return fmt.Errorf("%s: from and to must differ", s.Kind)
		}
		if topo != nil {
			for _, name := range []string{s.From, s.To} {
				if _, ok := topo.Host(name); !ok {
					return fmt.Errorf("%s: unknown host %q", s.Kind, name)
				}
			}
		}
	case StepCheckpoint:
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

// ValidateSteps validates every step, reporting the 1-based position of the first bad one
func ValidateSteps(steps []Step, topo *Topology) error {
	for i, s := range steps {
		if err := s.Validate(topo); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
