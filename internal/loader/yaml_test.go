package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mactable/internal/domain"
)

const sampleScenario = `
name: two-macs
description: flip h1 twice
topology:
  h1_ip: 10.1.0.1
  h2_ip: 10.1.0.2
  controller:
    address: 127.0.0.1
    port: 6633
steps:
  - kind: set_address
    host: h1
    mac: aa:aa:aa:aa:aa:01
  - kind: probe
    from: h1
    to: h2
  - kind: checkpoint
    note: inspect s1
  - kind: set_address
    host: h1
    mac: aa:aa:aa:aa:aa:02
`

func TestParse(t *testing.T) {
	s, err := ParseBytes([]byte(sampleScenario))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if s.Name != "two-macs" {
		t.Errorf("Name = %s", s.Name)
	}
	if len(s.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(s.Steps))
	}
	if s.Steps[2].Kind != domain.StepCheckpoint || s.Steps[2].Note != "inspect s1" {
		t.Errorf("step 3 = %+v", s.Steps[2])
	}

	topo := s.Topology()
	if h, _ := topo.Host("h2"); h.IP != "10.1.0.2" {
		t.Errorf("h2 IP = %s", h.IP)
	}
	if topo.Controller.String() != "tcp:127.0.0.1:6633" {
		t.Errorf("Controller = %s", topo.Controller)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"empty", "", "empty scenario"},
		{"no steps", "name: x\nsteps: []\n", "no steps"},
		{"unknown field", "name: x\nstepz: []\n", "failed to parse YAML"},
		{"unknown host", "steps:\n  - kind: probe\n    from: h1\n    to: h3\n", "step 1"},
		{"unknown kind", "steps:\n  - kind: flood\n", "unknown step kind"},
		{"bad topology", "topology:\n  h1_ip: 10.0.0.2\nsteps:\n  - kind: checkpoint\n", "share address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestMalformedMACLoads(t *testing.T) {
	s, err := ParseBytes([]byte("steps:\n  - kind: set_address\n    host: h1\n    mac: not-a-mac\n"))
	if err != nil {
		t.Fatalf("a malformed MAC is a runtime failure, got load error: %v", err)
	}
	if s.Steps[0].MAC != "not-a-mac" {
		t.Errorf("MAC = %s", s.Steps[0].MAC)
	}
}

func TestDefault(t *testing.T) {
	s := Default()
	if err := domain.ValidateSteps(s.Steps, s.Topology()); err != nil {
		t.Fatalf("default scenario invalid: %v", err)
	}

	var probes, checkpoints, changes int
	for _, st := range s.Steps {
		switch st.Kind {
		case domain.StepProbe:
			probes++
		case domain.StepCheckpoint:
			checkpoints++
		case domain.StepSetAddress:
			changes++
		}
	}
	if changes != 3 || probes != 3 || checkpoints != 2 {
		t.Errorf("got %d changes, %d probes, %d checkpoints", changes, probes, checkpoints)
	}
	if s.Steps[len(s.Steps)-1].Kind != domain.StepCheckpoint {
		t.Error("default scenario should end with a checkpoint before teardown")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := Default().Steps
	if len(loaded.Steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(loaded.Steps), len(want))
	}
	for i := range want {
		if loaded.Steps[i] != want[i] {
			t.Errorf("step %d = %v, want %v", i, loaded.Steps[i], want[i])
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
