package preflight

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
	"testing"

	"mactable/internal/config"
	"mactable/internal/domain"
)

// fakeSystem is a scripted host. Everything succeeds unless disabled.
type fakeSystem struct {
	euid        int
	missing     map[string]bool
	runFails    map[string]bool
	scanErr     error
	writableErr error
	files       map[string]string
	dialErr     error
	dialed      []string
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		missing:  map[string]bool{},
		runFails: map[string]bool{},
		files:    map[string]string{"/proc/modules": "openvswitch 188416 0 - Live 0x0\n"},
	}
}

func (f *fakeSystem) Geteuid() int              { return f.euid }
func (f *fakeSystem) Username() (string, error) { return "root", nil }

func (f *fakeSystem) LookPath(file string) (string, error) {
	if f.missing[file] {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/bin/" + file, nil
}

func (f *fakeSystem) Run(ctx context.Context, argv ...string) (string, error) {
	name := argv[0][strings.LastIndex(argv[0], "/")+1:]
	if f.runFails[name] {
		return "", errors.New("exit status 1")
	}
	return name + " version 1.0\nmore\n", nil
}

func (f *fakeSystem) ListScan(ctx context.Context, target string) error { return f.scanErr }
func (f *fakeSystem) Writable(dir string) error                         { return f.writableErr }

func (f *fakeSystem) ReadFile(path string) ([]byte, error) {
	if v, ok := f.files[path]; ok {
		return []byte(v), nil
	}
	return nil, fs.ErrNotExist
}

func (f *fakeSystem) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.dialed = append(f.dialed, addr)
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func netnsReq() Requirements {
	return Requirements{
		Substrate:   config.SubstrateNetns,
		SwitchKind:  config.SwitchOVS,
		ProbeMethod: config.ProbeICMP,
	}
}

func findingFor(t *testing.T, r *Report, check string) Finding {
	t.Helper()
	for _, f := range r.Findings {
		if f.Check == check {
			return f
		}
	}
	t.Fatalf("no finding for %q in %+v", check, r.Findings)
	return Finding{}
}

func TestNewEvidence(t *testing.T) {
	e := NewEvidence(CategoryTooling, "has_ip", true, 0.95, "probe", "ip found")
	if e.Category != CategoryTooling || e.Property != "has_ip" || e.Value != true {
		t.Errorf("unexpected evidence %+v", e)
	}
	if e.ID == "" {
		t.Error("ID should not be empty")
	}
	if e.WithRaw(map[string]any{"path": "/sbin/ip"}).Raw["path"] != "/sbin/ip" {
		t.Error("WithRaw should attach raw data")
	}
}

func TestEvidenceSetLookup(t *testing.T) {
	es := NewEvidenceSet()
	es.Add(NewEvidence(CategoryTooling, "has_nmap", false, 0.60, "a", "a"))
	es.Add(NewEvidence(CategoryTooling, "has_nmap", true, 0.99, "b", "b"))
	es.Add(NewEvidence(CategoryPermissions, "is_root", true, 1.0, "c", "c"))

	e, ok := es.Lookup(CategoryTooling, "has_nmap")
	if !ok || e.Source != "b" {
		t.Errorf("expected most confident evidence, got %+v", e)
	}
	if !es.Bool(CategoryTooling, "has_nmap") {
		t.Error("expected has_nmap true")
	}
	if es.Bool(CategoryTooling, "missing") {
		t.Error("missing property should be false")
	}
	if n := len(es.ByCategory(CategoryTooling)); n != 2 {
		t.Errorf("expected 2 tooling items, got %d", n)
	}
}

func TestRunAllGood(t *testing.T) {
	sys := newFakeSystem()
	req := netnsReq()
	req.Controller = domain.ControllerEndpoint{Address: "127.0.0.1", Port: 6653}

	r := Run(context.Background(), sys, req, nil)
	if err := r.Err(); err != nil {
		t.Fatalf("expected no blocking findings, got %v", err)
	}
	for _, f := range r.Findings {
		if !f.OK {
			t.Errorf("unexpected failed finding %+v", f)
		}
	}
	if len(sys.dialed) != 1 || sys.dialed[0] != "127.0.0.1:6653" {
		t.Errorf("expected controller dial, got %v", sys.dialed)
	}
	if got := r.Recommendation(); got != config.SubstrateNetns {
		t.Errorf("expected netns recommendation, got %s", got)
	}

	e, _ := r.Evidence.Lookup(CategoryTooling, "has_ovs_vsctl")
	if e.Raw["version"] != "ovs-vsctl version 1.0" {
		t.Errorf("expected first line of version output, got %v", e.Raw["version"])
	}
}

func TestRunBlockingFindings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*fakeSystem, *Requirements)
		check   string
		blocked bool
	}{
		{"not root", func(s *fakeSystem, r *Requirements) { s.euid = 1000 }, "root", true},
		{"no ip", func(s *fakeSystem, r *Requirements) { s.missing["ip"] = true }, "ip", true},
		{"ip broken", func(s *fakeSystem, r *Requirements) { s.runFails["ip"] = true }, "ip", true},
		{"no ovs", func(s *fakeSystem, r *Requirements) { s.missing["ovs-vsctl"] = true }, "ovs-vsctl", true},
		{"no ovs with bridge", func(s *fakeSystem, r *Requirements) {
			s.missing["ovs-vsctl"] = true
			r.SwitchKind = config.SwitchBridge
		}, "ovs-vsctl", false},
		{"ping fails", func(s *fakeSystem, r *Requirements) { s.runFails["ping"] = true }, "ping", true},
		{"ping fails with nmap probes", func(s *fakeSystem, r *Requirements) {
			s.runFails["ping"] = true
			r.ProbeMethod = config.ProbeNmap
		}, "ping", false},
		{"nmap scan fails with nmap probes", func(s *fakeSystem, r *Requirements) {
			s.scanErr = errors.New("dnet: Failed to open device")
			r.ProbeMethod = config.ProbeNmap
		}, "nmap", true},
		{"nmap missing with icmp probes", func(s *fakeSystem, r *Requirements) { s.missing["nmap"] = true }, "nmap", false},
		{"netns dir read-only", func(s *fakeSystem, r *Requirements) { s.writableErr = fs.ErrPermission }, "netns dir", true},
		{"controller required", func(s *fakeSystem, r *Requirements) {
			s.dialErr = errors.New("connection refused")
			r.Controller = domain.ControllerEndpoint{Address: "10.9.9.9", Port: 6653}
			r.RequireController = true
		}, "controller", true},
		{"controller optional", func(s *fakeSystem, r *Requirements) {
			s.dialErr = errors.New("connection refused")
			r.Controller = domain.ControllerEndpoint{Address: "10.9.9.9", Port: 6653}
		}, "controller", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newFakeSystem()
			req := netnsReq()
			tt.mutate(sys, &req)

			r := Run(context.Background(), sys, req, nil)
			f := findingFor(t, r, tt.check)
			if f.OK {
				t.Errorf("expected %s to fail", tt.check)
			}
			if f.Blocking != tt.blocked {
				t.Errorf("blocking = %v, want %v", f.Blocking, tt.blocked)
			}
			err := r.Err()
			if tt.blocked {
				if !errors.Is(err, ErrNotReady) || !strings.Contains(err.Error(), tt.check) {
					t.Errorf("expected ErrNotReady naming %s, got %v", tt.check, err)
				}
			} else if err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestSimNeverBlocks(t *testing.T) {
	sys := newFakeSystem()
	sys.euid = 1000
	sys.missing["ip"] = true
	sys.missing["ovs-vsctl"] = true
	sys.writableErr = fs.ErrPermission

	r := Run(context.Background(), sys, Requirements{Substrate: config.SubstrateSim}, nil)
	if err := r.Err(); err != nil {
		t.Errorf("sim should never block, got %v", err)
	}
	if got := r.Recommendation(); got != config.SubstrateSim {
		t.Errorf("expected sim recommendation, got %s", got)
	}
}

func TestContainerDetection(t *testing.T) {
	sys := newFakeSystem()
	sys.files["/.dockerenv"] = ""

	r := Run(context.Background(), sys, netnsReq(), nil)
	f := findingFor(t, r, "container")
	if f.OK || f.Blocking {
		t.Errorf("expected non-blocking container warning, got %+v", f)
	}
	if !strings.Contains(f.Detail, "docker") {
		t.Errorf("expected docker in detail, got %q", f.Detail)
	}
}

func TestRemoteSkipsControllerDial(t *testing.T) {
	sys := newFakeSystem()
	req := Requirements{
		Substrate:  config.SubstrateRemote,
		Controller: domain.ControllerEndpoint{Address: "10.0.0.254", Port: 6653},
	}
	r := Run(context.Background(), sys, req, nil)
	if len(sys.dialed) != 0 {
		t.Errorf("controller is dialed from the lab VM, not here; dialed %v", sys.dialed)
	}
	if r.Recommendation() != config.SubstrateRemote {
		t.Errorf("expected remote recommendation")
	}
}

func TestWriteTable(t *testing.T) {
	sys := newFakeSystem()
	sys.euid = 1000
	sys.missing["nmap"] = true

	r := Run(context.Background(), sys, netnsReq(), nil)
	var buf bytes.Buffer
	if err := r.WriteTable(&buf); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"CHECK", "root", "FAIL", "warn", "nmap not in PATH", "recommended substrate: sim"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in table:\n%s", want, out)
		}
	}
}

func TestRequirementsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Substrate.Kind = config.SubstrateNetns
	cfg.Substrate.Controller.Address = "192.0.2.1"
	cfg.Substrate.Controller.Port = 6633
	cfg.Substrate.Controller.RequireReachable = true

	req := RequirementsFromConfig(cfg)
	if req.Substrate != config.SubstrateNetns || !req.RequireController {
		t.Errorf("unexpected requirements %+v", req)
	}
	if req.Controller.HostPort() != "192.0.2.1:6633" {
		t.Errorf("unexpected controller %s", req.Controller.HostPort())
	}
}
