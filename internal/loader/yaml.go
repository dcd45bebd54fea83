// Package loader reads and writes attack scenario files.
package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"mactable/internal/domain"
	"mactable/internal/topology"

	"gopkg.in/yaml.v3"
)

// ScenarioYAML represents the YAML file structure
type ScenarioYAML struct {
	Version     string        `yaml:"version,omitempty"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Topology    *TopologyYAML `yaml:"topology,omitempty"`
	Steps       []StepYAML    `yaml:"steps"`
}

// TopologyYAML overrides the addresses of the fixed segment
type TopologyYAML struct {
	AttackerIP   string          `yaml:"h1_ip,omitempty"`
	VictimIP     string          `yaml:"h2_ip,omitempty"`
	SubnetPrefix int             `yaml:"prefix,omitempty"`
	ListenPort   int             `yaml:"listen_port,omitempty"`
	Controller   *ControllerYAML `yaml:"controller,omitempty"`
}

// ControllerYAML represents the controller endpoint
type ControllerYAML struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port,omitempty"`
}

// StepYAML represents one scenario step
type StepYAML struct {
	Kind string `yaml:"kind"`
	Host string `yaml:"host,omitempty"`
	MAC  string `yaml:"mac,omitempty"`
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`
	Note string `yaml:"note,omitempty"`
}

// Scenario is a loaded, validated scenario
type Scenario struct {
	Name        string
	Description string
	Overrides   *TopologyYAML
	Steps       []domain.Step
}

// TopologyOptions converts the file's overrides into topology options
func (s *Scenario) TopologyOptions() []topology.Option {
	o := s.Overrides
	if o == nil {
		return nil
	}
	opts := []topology.Option{
		topology.WithHostIPs(o.AttackerIP, o.VictimIP),
		topology.WithListenPort(o.ListenPort),
	}
	if o.SubnetPrefix > 0 {
		opts = append(opts, topology.WithSubnetPrefix(o.SubnetPrefix))
	}
	if o.Controller != nil {
		opts = append(opts, topology.WithController(o.Controller.Address, o.Controller.Port))
	}
	return opts
}

// Topology builds the segment the scenario runs on. Extra options are applied
// after the file's overrides.
func (s *Scenario) Topology(extra ...topology.Option) *domain.Topology {
	opts := append(s.TopologyOptions(), extra...)
	return topology.MacTableAttack(opts...)
}

// Default returns the lab sequence: two spoofed addresses each followed by a
// probe, an inspection pause, a third address and probe, and a final pause
// before teardown.
func Default() *Scenario {
	return &Scenario{
		Name:        "mac-table-attack",
		Description: "h1 cycles its MAC while pinging h2; inspect the switch between changes",
		Steps: []domain.Step{
			domain.SetAddress(topology.Attacker, "fa:dd:fd:b8:bb:aa"),
			domain.Probe(topology.Attacker, topology.Victim),
			domain.SetAddress(topology.Attacker, "fa:dd:fd:b8:aa:bb"),
			domain.Probe(topology.Attacker, topology.Victim),
			domain.Checkpoint(),
			domain.SetAddress(topology.Attacker, "fa:dd:fd:b8:aa:cc"),
			domain.Probe(topology.Attacker, topology.Victim),
			domain.Checkpoint(),
		},
	}
}

// Load loads a scenario from a YAML file
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario: %w", err)
	}
	return ParseBytes(data)
}

// Parse reads a scenario from YAML and validates it against its topology
func Parse(r io.Reader) (*Scenario, error) {
	var y ScenarioYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("failed to parse YAML: empty scenario")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	s := convertYAMLToScenario(&y)
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", s.Name)
	}
	if err := s.Topology().Validate(); err != nil {
		return nil, fmt.Errorf("scenario topology: %w", err)
	}
	if err := domain.ValidateSteps(s.Steps, s.Topology()); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseBytes is Parse over a byte slice
func ParseBytes(data []byte) (*Scenario, error) {
	return Parse(bytes.NewReader(data))
}

func convertYAMLToScenario(y *ScenarioYAML) *Scenario {
	s := &Scenario{
		Name:        y.Name,
		Description: y.Description,
		Overrides:   y.Topology,
		Steps:       make([]domain.Step, 0, len(y.Steps)),
	}
	if s.Name == "" {
		s.Name = "unnamed"
	}
	for _, st := range y.Steps {
		s.Steps = append(s.Steps, domain.Step{
			Kind: domain.StepKind(st.Kind),
			Host: st.Host,
			MAC:  st.MAC,
			From: st.From,
			To:   st.To,
			Note: st.Note,
		})
	}
	return s
}

// Marshal exports a scenario to YAML
func Marshal(s *Scenario) ([]byte, error) {
	y := &ScenarioYAML{
		Version:     "1",
		Name:        s.Name,
		Description: s.Description,
		Topology:    s.Overrides,
		Steps:       make([]StepYAML, 0, len(s.Steps)),
	}
	for _, st := range s.Steps {
		y.Steps = append(y.Steps, StepYAML{
			Kind: string(st.Kind),
			Host: st.Host,
			MAC:  st.MAC,
			From: st.From,
			To:   st.To,
			Note: st.Note,
		})
	}
	return yaml.Marshal(y)
}
