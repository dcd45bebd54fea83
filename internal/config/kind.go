package config

import "fmt"

// SubstrateKind selects which substrate builds the topology
type SubstrateKind string

const (
	SubstrateSim    SubstrateKind = "sim"    // In-process model, no privileges
	SubstrateNetns  SubstrateKind = "netns"  // Local namespaces, needs root
	SubstrateRemote SubstrateKind = "remote" // Lab VM over SSH
)

// ParseSubstrateKind converts a string to SubstrateKind
func ParseSubstrateKind(s string) (SubstrateKind, error) {
	switch s {
	case "sim":
		return SubstrateSim, nil
	case "netns":
		return SubstrateNetns, nil
	case "remote":
		return SubstrateRemote, nil
	default:
		return "", fmt.Errorf("unknown substrate %q (want sim, netns or remote)", s)
	}
}

// SwitchKind selects the switch implementation on real substrates
type SwitchKind string

const (
	SwitchOVS    SwitchKind = "ovs"    // Open vSwitch bound to the controller
	SwitchBridge SwitchKind = "bridge" // Linux learning bridge, no controller
)

// ParseSwitchKind converts a string to SwitchKind
func ParseSwitchKind(s string) (SwitchKind, error) {
	switch s {
	case "ovs":
		return SwitchOVS, nil
	case "bridge":
		return SwitchBridge, nil
	default:
		return "", fmt.Errorf("unknown switch kind %q (want ovs or bridge)", s)
	}
}

// ProbeMethod selects how a probe is sent on real substrates
type ProbeMethod string

const (
	ProbeICMP ProbeMethod = "icmp" // ping -c 1 inside the source namespace
	ProbeNmap ProbeMethod = "nmap" // nmap ping scan, also reports the responder MAC
)

// ParseProbeMethod converts a string to ProbeMethod
func ParseProbeMethod(s string) (ProbeMethod, error) {
	switch s {
	case "icmp":
		return ProbeICMP, nil
	case "nmap":
		return ProbeNmap, nil
	default:
		return "", fmt.Errorf("unknown probe method %q (want icmp or nmap)", s)
	}
}
