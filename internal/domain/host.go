package domain

import (
	"fmt"
	"net"
	"strings"
)

// DefaultPrefixLen is the prefix length applied to host addresses given
// without one, matching Mininet's 10.0.0.0/8 default.
const DefaultPrefixLen = 8

// Host is an emulated end host with a single interface
type Host struct {
	Name string `json:"name" yaml:"name"`
	IP   string `json:"ip" yaml:"ip"`
	// MAC is the active hardware address; empty until the substrate assigns one
	MAC string `json:"mac,omitempty" yaml:"mac,omitempty"`
}

// Address returns the host IP without any prefix length
func (h Host) Address() string {
	if idx := strings.IndexByte(h.IP, '/'); idx >= 0 {
		return h.IP[:idx]
	}
	return h.IP
}

// CIDR returns the host address with a prefix length, defaulting to /8
func (h Host) CIDR() string {
	if strings.Contains(h.IP, "/") {
		return h.IP
	}
	return fmt.Sprintf("%s/%d", h.IP, DefaultPrefixLen)
}

// ValidateIP checks that the host carries a parseable IPv4 address
func (h Host) ValidateIP() error {
	if h.IP == "" {
		return fmt.Errorf("host %s: ip is required", h.Name)
	}
	if strings.Contains(h.IP, "/") {
		ip, _, err := net.ParseCIDR(h.IP)
		if err != nil {
			return fmt.Errorf("host %s: invalid ip %q: %w", h.Name, h.IP, err)
		}
		if ip.To4() == nil {
			return fmt.Errorf("host %s: ip %q is not IPv4", h.Name, h.IP)
		}
		return nil
	}
	ip := net.ParseIP(h.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("host %s: invalid ip %q", h.Name, h.IP)
	}
	return nil
}

// Switch is an emulated OpenFlow-capable switch
type Switch struct {
	Name string `json:"name" yaml:"name"`
	DPID string `json:"dpid,omitempty" yaml:"dpid,omitempty"`
	// ListenPort is the passive OpenFlow port for dpctl-style inspection (0 = none)
	ListenPort int `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
}

// ControllerEndpoint is the remote SDN controller the switches are bound to
type ControllerEndpoint struct {
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

// DefaultControllerPort is the IANA OpenFlow port
const DefaultControllerPort = 6653

// IsZero reports whether no controller is configured
func (c ControllerEndpoint) IsZero() bool {
	return c.Address == ""
}

// HostPort returns address:port for dialing
func (c ControllerEndpoint) HostPort() string {
	port := c.Port
	if port == 0 {
		port = DefaultControllerPort
	}
	return net.JoinHostPort(c.Address, fmt.Sprintf("%d", port))
}

// String returns the OpenFlow target form used by ovs-vsctl (tcp:addr:port)
func (c ControllerEndpoint) String() string {
	if c.IsZero() {
		return ""
	}
	return "tcp:" + c.HostPort()
}
