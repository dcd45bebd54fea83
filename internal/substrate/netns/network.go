package netns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
	"mactable/internal/substrate/iproute"
	"mactable/internal/substrate/probe"
)

type resourceKind int

const (
	resNamespace resourceKind = iota
	resLink
	resOVSBridge
	resBridge
)

type resource struct {
	kind resourceKind
	name string
}

// Network is a provisioned namespace topology
type Network struct {
	s *Substrate

	mu      sync.Mutex
	topo    *domain.Topology
	created []resource
	ofPorts map[string]map[string]string // switch -> OpenFlow port number -> device
	down    bool

	// address changes still running in the kernel, possibly after their
	// caller timed out; Teardown waits for them
	inflight sync.WaitGroup
}

var (
	_ substrate.Network               = (*Network)(nil)
	_ substrate.ForwardingTableReader = (*Network)(nil)
	_ substrate.CommandRunner         = (*Network)(nil)
)

func (n *Network) track(kind resourceKind, name string) {
	n.created = append(n.created, resource{kind: kind, name: name})
}

func (n *Network) provision(ctx context.Context) error {
	s := n.s
	for _, sw := range n.topo.Switches {
		if err := n.addSwitch(ctx, sw); err != nil {
			return &domain.ProvisioningError{Op: "create switch", Node: sw.Name, Err: err}
		}
	}

	for _, h := range n.topo.Hosts {
		ns := s.namespace(h.Name)
		if err := s.dp.CreateNamespace(ns); err != nil {
			return &domain.ProvisioningError{Op: "create namespace", Node: h.Name, Err: err}
		}
		n.track(resNamespace, ns)
	}

	for _, l := range n.topo.Links {
		host, sw := l.A, l.B
		if n.topo.Kind(host) != domain.NodeKindHost {
			host, sw = sw, host
		}
		hostIf, swIf := l.Iface(host), l.Iface(sw)
		if err := n.addLink(ctx, host, hostIf, sw, swIf); err != nil {
			return &domain.ProvisioningError{Op: "create link", Node: l.String(), Err: err}
		}
	}

	for i, h := range n.topo.Hosts {
		l, _ := n.topo.HostLink(h.Name)
		mac, err := s.dp.HardwareAddr(s.namespace(h.Name), l.Iface(h.Name))
		if err != nil {
			return &domain.ProvisioningError{Op: "read address", Node: h.Name, Err: err}
		}
		n.topo.Hosts[i].MAC = mac
	}
	return nil
}

func (n *Network) addSwitch(ctx context.Context, sw domain.Switch) error {
	s := n.s
	if s.switchKind == config.SwitchBridge {
		if err := s.dp.AddBridge(sw.Name); err != nil {
			return err
		}
		n.track(resBridge, sw.Name)
		return nil
	}

	add := iproute.OVSAddBridge(sw.Name, sw.DPID, s.failMode)
	if _, err := s.run(ctx, add); err != nil {
		return err
	}
	n.track(resOVSBridge, sw.Name)
	n.ofPorts[sw.Name] = make(map[string]string)

	ctrl := iproute.OVSSetController(sw.Name, n.topo.Controller, sw.ListenPort)
	if _, err := s.run(ctx, ctrl); err != nil {
		return err
	}
	s.logger.Debug(ctx, "switch bound", logging.String("cmd", commandFor(ctrl)))
	return nil
}

func (n *Network) addLink(ctx context.Context, host, hostIf, sw, swIf string) error {
	s := n.s
	ns := s.namespace(host)

	if err := s.dp.AddVeth(swIf, hostIf); err != nil {
		return err
	}
	n.track(resLink, swIf)

	if err := s.dp.MoveToNamespace(hostIf, ns); err != nil {
		return err
	}
	h, _ := n.topo.Host(host)
	if err := s.dp.ConfigureHost(ns, hostIf, h.CIDR()); err != nil {
		return err
	}

	if s.switchKind == config.SwitchBridge {
		if err := s.dp.SetMaster(swIf, sw); err != nil {
			return err
		}
	} else {
		if _, err := s.run(ctx, iproute.OVSAddPort(sw, swIf)); err != nil {
			return err
		}
		ports := n.ofPorts[sw]
		ports[strconv.Itoa(len(ports)+1)] = swIf
	}
	return s.dp.LinkUp(swIf)
}

// Topology returns a snapshot with the current MACs
func (n *Network) Topology() *domain.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topo.Clone()
}

// SetHardwareAddress changes the MAC of the host's interface
func (n *Network) SetHardwareAddress(ctx context.Context, host, mac string) (domain.AddressAck, error) {
	hw, err := domain.ParseHardwareAddr(mac)
	if err != nil {
		if inv, ok := err.(*domain.InvalidAddressError); ok {
			inv.Host = host
		}
		return domain.AddressAck{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.topo.Host(host)
	if !ok || n.down {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: fmt.Errorf("no such host")}
	}
	l, _ := n.topo.HostLink(host)
	ns, iface := n.s.namespace(host), l.Iface(host)

	ack := domain.AddressAck{Host: host, Previous: h.MAC, Current: hw.String()}
	if domain.SameMAC(h.MAC, ack.Current) {
		return ack, nil
	}

	err = n.applyAddress(ctx, host, ns, iface, hw)
	if err != nil && ctx.Err() != nil {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: ctx.Err()}
	}
	if err != nil {
		return domain.AddressAck{}, iproute.ClassifyError(host, mac, err.Error(), err)
	}

	n.topo.SetHostMAC(host, ack.Current)
	ack.Changed = true
	return ack, nil
}

// applyAddress runs the netlink change off the caller's goroutine so ctx can
// bound it. Netlink calls cannot be interrupted: if ctx ends first the change
// is abandoned, and a late success is still recorded in the topology so the
// model matches the kernel. Called with n.mu held.
func (n *Network) applyAddress(ctx context.Context, host, ns, iface string, hw net.HardwareAddr) error {
	var (
		handoff   sync.Mutex
		abandoned bool
	)
	done := make(chan error, 1)

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		err := n.s.dp.SetHardwareAddr(ns, iface, hw)

		handoff.Lock()
		late := abandoned
		if !late {
			done <- err
		}
		handoff.Unlock()

		if late && err == nil {
			n.mu.Lock()
			n.topo.SetHostMAC(host, hw.String())
			n.mu.Unlock()
			n.s.logger.Warn(context.Background(), "address change completed after timeout",
				logging.String("host", host), logging.String("mac", hw.String()))
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	handoff.Lock()
	defer handoff.Unlock()
	select {
	case err := <-done:
		return err
	default:
		abandoned = true
		return ctx.Err()
	}
}

// Probe sends one echo request (icmp) or runs an nmap ping scan from inside
// the source namespace
func (n *Network) Probe(ctx context.Context, from, toAddress string) (domain.ProbeOutcome, error) {
	n.mu.Lock()
	_, ok := n.topo.Host(from)
	down := n.down
	to, _ := n.topo.HostByAddress(toAddress)
	n.mu.Unlock()
	if !ok || down {
		return domain.ProbeOutcome{}, fmt.Errorf("no such host %q", from)
	}
	ns := n.s.namespace(from)

	var out domain.ProbeOutcome
	switch n.s.probeMethod {
	case config.ProbeNmap:
		err := n.s.dp.InNamespace(ns, func() error {
			var err error
			out, err = n.s.pinger.Ping(ctx, from, toAddress)
			return err
		})
		if err != nil {
			return domain.ProbeOutcome{From: from, To: to.Name, ToAddress: toAddress, Method: domain.ProbeMethodNmap}, err
		}
	default:
		argv := iproute.InNetns(ns, probe.PingArgs(toAddress, n.s.probeTimeout)...)
		stdout, _, err := n.s.cmd.Run(ctx, argv...)
		if ctx.Err() != nil {
			return domain.ProbeOutcome{From: from, To: to.Name, ToAddress: toAddress, Method: domain.ProbeMethodICMP}, ctx.Err()
		}
		out = probe.PingOutcome(from, toAddress, []byte(stdout), err)
	}
	out.To = to.Name
	return out, nil
}

// ForwardingTable reads the switch MAC table
func (n *Network) ForwardingTable(ctx context.Context, sw string) ([]domain.ForwardingEntry, error) {
	if sw == "" && len(n.topo.Switches) > 0 {
		sw = n.topo.Switches[0].Name
	}
	if _, ok := n.topo.Switch(sw); !ok {
		return nil, fmt.Errorf("no such switch %q", sw)
	}
	if n.s.switchKind == config.SwitchBridge {
		return n.s.dp.BridgeFDB(sw)
	}
	out, err := n.s.run(ctx, iproute.OVSFDBShow(sw))
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	ports := n.ofPorts[sw]
	n.mu.Unlock()
	return iproute.ParseOVSFDB(out, sw, ports), nil
}

// Exec runs a command inside the host's namespace
func (n *Network) Exec(ctx context.Context, host string, argv ...string) (string, error) {
	if _, ok := n.topo.Host(host); !ok {
		return "", fmt.Errorf("no such host %q", host)
	}
	stdout, stderr, err := n.s.cmd.Run(ctx, iproute.InNetns(n.s.namespace(host), argv...)...)
	if err != nil {
		return stdout + stderr, err
	}
	return stdout, nil
}

// OpenInteractiveSession hands the network to the operator
func (n *Network) OpenInteractiveSession(ctx context.Context) error {
	return substrate.Attend(ctx, n.s.operator, n)
}

// Teardown removes everything created, newest first. Errors are collected
// and the remaining resources are still removed.
func (n *Network) Teardown(ctx context.Context) error {
	n.mu.Lock()
	n.down = true
	n.mu.Unlock()
	n.waitInflight(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for i := len(n.created) - 1; i >= 0; i-- {
		r := n.created[i]
		var err error
		switch r.kind {
		case resNamespace:
			err = n.s.dp.DeleteNamespace(r.name)
		case resLink, resBridge:
			err = n.s.dp.DeleteLink(r.name)
		case resOVSBridge:
			_, err = n.s.run(ctx, iproute.OVSDelBridge(r.name))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", r.name, err))
		}
	}
	n.created = nil
	n.down = true

	if len(errs) > 0 {
		return fmt.Errorf("teardown: %w", errors.Join(errs...))
	}
	n.s.logger.Info(ctx, "netns network torn down")
	return nil
}

// waitInflight lets abandoned address changes finish before their namespaces
// and netlink handles go away
func (n *Network) waitInflight(ctx context.Context) {
	settled := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		n.s.logger.Warn(ctx, "tearing down with an address change still in flight")
	}
}
