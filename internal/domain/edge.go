package domain

import (
	"crypto/sha256"
	"fmt"
)

// Link is an unordered pair of topology nodes joined by a veth pair.
// Interface names follow Mininet: hosts number from eth0, switches from eth1.
type Link struct {
	A      string `json:"a" yaml:"a"`
	B      string `json:"b" yaml:"b"`
	IfaceA string `json:"iface_a,omitempty" yaml:"iface_a,omitempty"`
	IfaceB string `json:"iface_b,omitempty" yaml:"iface_b,omitempty"`
}

// NewLink creates a link between two nodes
func NewLink(a, b string) Link {
	return Link{A: a, B: b}
}

// ID returns a deterministic identifier independent of endpoint order
func (l Link) ID() string {
	a, b := l.A, l.B
	if a > b {
		a, b = b, a
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%s", a, b)))
	return fmt.Sprintf("%x", hash[:8])
}

// Has reports whether name is one of the endpoints
func (l Link) Has(name string) bool {
	return l.A == name || l.B == name
}

// Peer returns the opposite endpoint of name, or "" when name is not an endpoint
func (l Link) Peer(name string) string {
	switch name {
	case l.A:
		return l.B
	case l.B:
		return l.A
	}
	return ""
}

// Iface returns the interface name on the given endpoint
func (l Link) Iface(name string) string {
	switch name {
	case l.A:
		return l.IfaceA
	case l.B:
		return l.IfaceB
	}
	return ""
}

// String renders the link Mininet style (h1-eth0<->s1-eth1)
func (l Link) String() string {
	if l.IfaceA == "" || l.IfaceB == "" {
		return fmt.Sprintf("%s<->%s", l.A, l.B)
	}
	return fmt.Sprintf("%s<->%s", l.IfaceA, l.IfaceB)
}
