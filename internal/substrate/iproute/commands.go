// Package iproute builds the iproute2 and Open vSwitch command lines the real
// substrates issue, and parses what those tools print back.
package iproute

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"mactable/internal/domain"
)

// NetnsAdd creates a named network namespace
func NetnsAdd(ns string) []string { return []string{"ip", "netns", "add", ns} }

// NetnsDel removes a named network namespace
func NetnsDel(ns string) []string { return []string{"ip", "netns", "del", ns} }

// InNetns runs argv inside a namespace
func InNetns(ns string, argv ...string) []string {
	return append([]string{"ip", "netns", "exec", ns}, argv...)
}

// VethAdd creates a veth pair
func VethAdd(a, b string) []string {
	return []string{"ip", "link", "add", a, "type", "veth", "peer", "name", b}
}

// LinkSetNetns moves a link into a namespace
func LinkSetNetns(dev, ns string) []string {
	return []string{"ip", "link", "set", dev, "netns", ns}
}

// AddrAdd assigns an address to a device
func AddrAdd(dev, cidr string) []string {
	return []string{"ip", "addr", "add", cidr, "dev", dev}
}

// LinkUp brings a device up
func LinkUp(dev string) []string { return []string{"ip", "link", "set", dev, "up"} }

// LinkDown brings a device down
func LinkDown(dev string) []string { return []string{"ip", "link", "set", dev, "down"} }

// LinkSetAddress sets the hardware address of a device
func LinkSetAddress(dev, mac string) []string {
	return []string{"ip", "link", "set", "dev", dev, "address", mac}
}

// LinkShow prints one device on a single line
func LinkShow(dev string) []string { return []string{"ip", "-o", "link", "show", dev} }

// LinkDel deletes a device
func LinkDel(dev string) []string { return []string{"ip", "link", "del", dev} }

// BridgeAdd creates a Linux bridge
func BridgeAdd(name string) []string {
	return []string{"ip", "link", "add", name, "type", "bridge"}
}

// LinkSetMaster enslaves a device to a bridge
func LinkSetMaster(dev, bridge string) []string {
	return []string{"ip", "link", "set", dev, "master", bridge}
}

// BridgeFDBShow dumps the forwarding database of a Linux bridge
func BridgeFDBShow(bridge string) []string {
	return []string{"bridge", "fdb", "show", "br", bridge}
}

// OVSAddBridge creates an OVS bridge with a fixed datapath ID and fail mode
func OVSAddBridge(name, dpid, failMode string) []string {
	argv := []string{"ovs-vsctl", "--may-exist", "add-br", name, "--", "set", "bridge", name}
	if failMode != "" {
		argv = append(argv, "fail-mode="+failMode)
	}
	if dpid != "" {
		argv = append(argv, "other-config:datapath-id="+dpid)
	}
	return argv
}

// OVSSetController binds a bridge to its controller and opens the passive
// OpenFlow listener on listenPort (0 for none)
func OVSSetController(name string, ctrl domain.ControllerEndpoint, listenPort int) []string {
	argv := []string{"ovs-vsctl", "set-controller", name}
	if !ctrl.IsZero() {
		argv = append(argv, ctrl.String())
	}
	if listenPort > 0 {
		argv = append(argv, fmt.Sprintf("ptcp:%d", listenPort))
	}
	return argv
}

// OVSAddPort attaches a device to an OVS bridge
func OVSAddPort(bridge, dev string) []string {
	return []string{"ovs-vsctl", "--may-exist", "add-port", bridge, dev}
}

// OVSDelBridge removes an OVS bridge if it exists
func OVSDelBridge(name string) []string {
	return []string{"ovs-vsctl", "--if-exists", "del-br", name}
}

// OVSFDBShow dumps the MAC learning table of an OVS bridge
func OVSFDBShow(name string) []string {
	return []string{"ovs-appctl", "fdb/show", name}
}

// Sudo prefixes argv with sudo -n so a missing password fails instead of hanging
func Sudo(argv []string) []string {
	return append([]string{"sudo", "-n"}, argv...)
}

// Quote renders argv as a single POSIX shell command line
func Quote(argv []string) (string, error) {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quote %q: %w", a, err)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " "), nil
}
