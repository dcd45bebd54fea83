package domain

import (
	"strings"
	"testing"
)

func newTestTopology() *Topology {
	topo := NewTopology()
	topo.AddHost(Host{Name: "h1", IP: "10.0.0.1"})
	topo.AddHost(Host{Name: "h2", IP: "10.0.0.2"})
	topo.AddSwitch(Switch{Name: "s1", ListenPort: 6634})
	topo.AddLink("h1", "s1")
	topo.AddLink("h2", "s1")
	topo.Controller = ControllerEndpoint{Address: "10.0.2.2", Port: 6653}
	return topo
}

func TestTopologyInterfaceNaming(t *testing.T) {
	topo := newTestTopology()

	if len(topo.Links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(topo.Links))
	}

	want := []struct{ a, b string }{
		{"h1-eth0", "s1-eth1"},
		{"h2-eth0", "s1-eth2"},
	}
	for i, w := range want {
		if topo.Links[i].IfaceA != w.a || topo.Links[i].IfaceB != w.b {
			t.Errorf("link %d: got %s, want %s<->%s", i, topo.Links[i], w.a, w.b)
		}
	}
}

func TestTopologyValidate(t *testing.T) {
	t.Run("valid topology", func(t *testing.T) {
		if err := newTestTopology().Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		topo := newTestTopology()
		topo.AddSwitch(Switch{Name: "h1"})
		if err := topo.Validate(); err == nil {
			t.Error("expected error for duplicate name")
		}
	})

	t.Run("bad ip", func(t *testing.T) {
		topo := newTestTopology()
		topo.Hosts[0].IP = "10.0.0"
		if err := topo.Validate(); err == nil {
			t.Error("expected error for bad ip")
		}
	})

	t.Run("shared address", func(t *testing.T) {
		topo := newTestTopology()
		topo.Hosts[1].IP = "10.0.0.1/24"
		if err := topo.Validate(); err == nil {
			t.Error("expected error for shared address")
		}
	})

	t.Run("unknown link endpoint", func(t *testing.T) {
		topo := newTestTopology()
		topo.Links = append(topo.Links, NewLink("h3", "s1"))
		if err := topo.Validate(); err == nil {
			t.Error("expected error for unknown endpoint")
		}
	})

	t.Run("host to host link", func(t *testing.T) {
		topo := newTestTopology()
		topo.Links = append(topo.Links, NewLink("h1", "h2"))
		if err := topo.Validate(); err == nil {
			t.Error("expected error for host-host link")
		}
	})

	t.Run("nil topology", func(t *testing.T) {
		var topo *Topology
		if err := topo.Validate(); err == nil {
			t.Error("expected error for nil topology")
		}
	})
}

func TestTopologyLookups(t *testing.T) {
	topo := newTestTopology()

	if topo.Kind("h1") != NodeKindHost || topo.Kind("s1") != NodeKindSwitch || topo.Kind("x") != NodeKindUnknown {
		t.Error("unexpected node kinds")
	}

	h, ok := topo.HostByAddress("10.0.0.2")
	if !ok || h.Name != "h2" {
		t.Errorf("HostByAddress = %v, %v", h, ok)
	}

	if ports := topo.SwitchPorts("s1"); len(ports) != 2 {
		t.Errorf("expected 2 switch ports, got %d", len(ports))
	}

	if !topo.SetHostMAC("h1", "aa:aa:aa:aa:aa:01") {
		t.Fatal("SetHostMAC returned false")
	}
	if h, _ := topo.Host("h1"); h.MAC != "aa:aa:aa:aa:aa:01" {
		t.Errorf("MAC = %s", h.MAC)
	}
	if topo.SetHostMAC("h9", "aa:aa:aa:aa:aa:01") {
		t.Error("SetHostMAC on unknown host should return false")
	}
}

func TestTopologyClone(t *testing.T) {
	topo := newTestTopology()
	clone := topo.Clone()
	clone.SetHostMAC("h1", "aa:aa:aa:aa:aa:09")

	if h, _ := topo.Host("h1"); h.MAC != "" {
		t.Error("mutating the clone changed the original")
	}
}

func TestTopologyDescribe(t *testing.T) {
	out := newTestTopology().Describe()
	for _, want := range []string{
		"h1 h1-eth0:s1-eth1",
		"s1 lo: s1-eth1:h1-eth0 s1-eth2:h2-eth0",
		"c0 tcp:10.0.2.2:6653",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Describe() missing %q in:\n%s", want, out)
		}
	}
}

func TestHostAddress(t *testing.T) {
	h := Host{Name: "h1", IP: "10.0.0.1/24"}
	if h.Address() != "10.0.0.1" {
		t.Errorf("Address() = %s", h.Address())
	}
	if h.CIDR() != "10.0.0.1/24" {
		t.Errorf("CIDR() = %s", h.CIDR())
	}
	if (Host{IP: "10.0.0.2"}).CIDR() != "10.0.0.2/8" {
		t.Error("expected default /8 prefix")
	}
}
