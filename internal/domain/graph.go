package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Topology is the declarative description of an emulated segment.
// Its structure is fixed after construction; substrates only change host MACs.
type Topology struct {
	Hosts      []Host             `json:"hosts" yaml:"hosts"`
	Switches   []Switch           `json:"switches" yaml:"switches"`
	Links      []Link             `json:"links" yaml:"links"`
	Controller ControllerEndpoint `json:"controller" yaml:"controller"`
}

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{
		Hosts:    make([]Host, 0),
		Switches: make([]Switch, 0),
		Links:    make([]Link, 0),
	}
}

// AddHost appends a host
func (t *Topology) AddHost(h Host) {
	t.Hosts = append(t.Hosts, h)
}

// AddSwitch appends a switch
func (t *Topology) AddSwitch(s Switch) {
	t.Switches = append(t.Switches, s)
}

// AddLink appends a link and assigns Mininet-style interface names
func (t *Topology) AddLink(a, b string) Link {
	link := NewLink(a, b)
	link.IfaceA = t.nextIface(a)
	link.IfaceB = t.nextIface(b)
	t.Links = append(t.Links, link)
	return link
}

// nextIface numbers host interfaces from eth0 and switch ports from eth1
func (t *Topology) nextIface(name string) string {
	n := 0
	for _, l := range t.Links {
		if l.Has(name) {
			n++
		}
	}
	if t.Kind(name) == NodeKindSwitch {
		n++
	}
	return fmt.Sprintf("%s-eth%d", name, n)
}

// Host returns the named host
func (t *Topology) Host(name string) (Host, bool) {
	for _, h := range t.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// Switch returns the named switch
func (t *Topology) Switch(name string) (Switch, bool) {
	for _, s := range t.Switches {
		if s.Name == name {
			return s, true
		}
	}
	return Switch{}, false
}

// Kind reports whether name is a host or a switch
func (t *Topology) Kind(name string) NodeKind {
	if _, ok := t.Host(name); ok {
		return NodeKindHost
	}
	if _, ok := t.Switch(name); ok {
		return NodeKindSwitch
	}
	return NodeKindUnknown
}

// HostLink returns the single link attaching a host to the segment
func (t *Topology) HostLink(host string) (Link, bool) {
	for _, l := range t.Links {
		if l.Has(host) {
			return l, true
		}
	}
	return Link{}, false
}

// SwitchPorts returns the links attached to a switch, in port order
func (t *Topology) SwitchPorts(sw string) []Link {
	var ports []Link
	for _, l := range t.Links {
		if l.Has(sw) {
			ports = append(ports, l)
		}
	}
	return ports
}

// SetHostMAC records the active hardware address of a host
func (t *Topology) SetHostMAC(name, mac string) bool {
	for i := range t.Hosts {
		if t.Hosts[i].Name == name {
			t.Hosts[i].MAC = mac
			return true
		}
	}
	return false
}

// HostByAddress finds the host owning an IP address
func (t *Topology) HostByAddress(ip string) (Host, bool) {
	for _, h := range t.Hosts {
		if h.Address() == ip {
			return h, true
		}
	}
	return Host{}, false
}

// Clone returns a deep copy
func (t *Topology) Clone() *Topology {
	if t == nil {
		return nil
	}
	c := &Topology{
		Hosts:      append([]Host(nil), t.Hosts...),
		Switches:   append([]Switch(nil), t.Switches...),
		Links:      append([]Link(nil), t.Links...),
		Controller: t.Controller,
	}
	return c
}

// Validate checks names, addresses and link endpoints
func (t *Topology) Validate() error {
	if t == nil {
		return fmt.Errorf("topology is nil")
	}
	seen := make(map[string]bool)
	addrs := make(map[string]string)
	for _, h := range t.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host name is required")
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate node name %q", h.Name)
		}
		seen[h.Name] = true
		if err := h.ValidateIP(); err != nil {
			return err
		}
		if other, ok := addrs[h.Address()]; ok {
			return fmt.Errorf("hosts %s and %s share address %s", other, h.Name, h.Address())
		}
		addrs[h.Address()] = h.Name
	}
	for _, s := range t.Switches {
		if s.Name == "" {
			return fmt.Errorf("switch name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate node name %q", s.Name)
		}
		seen[s.Name] = true
	}
	for _, l := range t.Links {
		if l.A == l.B {
			return fmt.Errorf("link %s: self-loop", l)
		}
		if !seen[l.A] || !seen[l.B] {
			return fmt.Errorf("link %s: unknown endpoint", l)
		}
		if t.Kind(l.A) == NodeKindHost && t.Kind(l.B) == NodeKindHost {
			return fmt.Errorf("link %s: hosts must attach to a switch", l)
		}
	}
	for _, h := range t.Hosts {
		n := 0
		for _, l := range t.Links {
			if l.Has(h.Name) {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("host %s: expected exactly one link, got %d", h.Name, n)
		}
	}
	return nil
}

// HostNames returns host names sorted
func (t *Topology) HostNames() []string {
	names := make([]string, 0, len(t.Hosts))
	for _, h := range t.Hosts {
		names = append(names, h.Name)
	}
	sort.Strings(names)
	return names
}

// Describe renders a Mininet-style "net" dump
func (t *Topology) Describe() string {
	var b strings.Builder
	for _, h := range t.Hosts {
		fmt.Fprintf(&b, "%s", h.Name)
		if l, ok := t.HostLink(h.Name); ok {
			fmt.Fprintf(&b, " %s:%s", l.Iface(h.Name), l.Iface(l.Peer(h.Name)))
		}
		b.WriteString("\n")
	}
	for _, s := range t.Switches {
		fmt.Fprintf(&b, "%s lo:", s.Name)
		for _, l := range t.SwitchPorts(s.Name) {
			fmt.Fprintf(&b, " %s:%s", l.Iface(s.Name), l.Iface(l.Peer(s.Name)))
		}
		b.WriteString("\n")
	}
	if !t.Controller.IsZero() {
		fmt.Fprintf(&b, "c0 %s\n", t.Controller)
	}
	return b.String()
}
