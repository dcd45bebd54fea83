package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
	"mactable/internal/substrate/iproute"
	"mactable/internal/substrate/probe"
)

// Network is a topology provisioned on the lab machine
type Network struct {
	s      *Substrate
	runner Runner

	mu      sync.Mutex
	topo    *domain.Topology
	undo    [][]string
	ofPorts map[string]map[string]string
	closed  bool
}

var (
	_ substrate.Network               = (*Network)(nil)
	_ substrate.ForwardingTableReader = (*Network)(nil)
	_ substrate.CommandRunner         = (*Network)(nil)
)

// run executes argv and returns stdout, or an error carrying stderr
func (n *Network) run(ctx context.Context, argv []string) (string, string, error) {
	line, err := n.s.commandLine(argv)
	if err != nil {
		return "", "", err
	}
	n.s.logger.Debug(ctx, "remote command", logging.String("cmd", line))
	return n.runner.Run(ctx, line)
}

func (n *Network) must(ctx context.Context, argv []string, undo []string) error {
	_, stderr, err := n.run(ctx, argv)
	if err != nil {
		return commandError(err, stderr)
	}
	if undo != nil {
		n.undo = append(n.undo, undo)
	}
	return nil
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
		if err := n.must(ctx, iproute.NetnsAdd(ns), iproute.NetnsDel(ns)); err != nil {
			return &domain.ProvisioningError{Op: "create namespace", Node: h.Name, Err: err}
		}
	}

	for _, l := range n.topo.Links {
		host, sw := l.A, l.B
		if n.topo.Kind(host) != domain.NodeKindHost {
			host, sw = sw, host
		}
		if err := n.addLink(ctx, host, l.Iface(host), sw, l.Iface(sw)); err != nil {
			return &domain.ProvisioningError{Op: "create link", Node: l.String(), Err: err}
		}
	}

	for i, h := range n.topo.Hosts {
		l, _ := n.topo.HostLink(h.Name)
		out, stderr, err := n.run(ctx, iproute.InNetns(s.namespace(h.Name), iproute.LinkShow(l.Iface(h.Name))...))
		if err != nil {
			return &domain.ProvisioningError{Op: "read address", Node: h.Name, Err: commandError(err, stderr)}
		}
		mac, err := iproute.ParseLinkMAC(out)
		if err != nil {
			return &domain.ProvisioningError{Op: "read address", Node: h.Name, Err: err}
		}
		n.topo.Hosts[i].MAC = mac
	}
	return nil
}

func (n *Network) addSwitch(ctx context.Context, sw domain.Switch) error {
	if n.s.switchKind == config.SwitchBridge {
		if err := n.must(ctx, iproute.BridgeAdd(sw.Name), iproute.LinkDel(sw.Name)); err != nil {
			return err
		}
		return n.must(ctx, iproute.LinkUp(sw.Name), nil)
	}

	if err := n.must(ctx, iproute.OVSAddBridge(sw.Name, sw.DPID, n.s.failMode), iproute.OVSDelBridge(sw.Name)); err != nil {
		return err
	}
	n.ofPorts[sw.Name] = make(map[string]string)
	return n.must(ctx, iproute.OVSSetController(sw.Name, n.topo.Controller, sw.ListenPort), nil)
}

func (n *Network) addLink(ctx context.Context, host, hostIf, sw, swIf string) error {
	ns := n.s.namespace(host)
	h, _ := n.topo.Host(host)

	if err := n.must(ctx, iproute.VethAdd(swIf, hostIf), iproute.LinkDel(swIf)); err != nil {
		return err
	}
	steps := [][]string{
		iproute.LinkSetNetns(hostIf, ns),
		iproute.InNetns(ns, iproute.AddrAdd(hostIf, h.CIDR())...),
		iproute.InNetns(ns, iproute.LinkUp(hostIf)...),
		iproute.InNetns(ns, iproute.LinkUp("lo")...),
	}
	if n.s.switchKind == config.SwitchBridge {
		steps = append(steps, iproute.LinkSetMaster(swIf, sw))
	} else {
		steps = append(steps, iproute.OVSAddPort(sw, swIf))
		ports := n.ofPorts[sw]
		ports[strconv.Itoa(len(ports)+1)] = swIf
	}
	steps = append(steps, iproute.LinkUp(swIf))

	for _, argv := range steps {
		if err := n.must(ctx, argv, nil); err != nil {
			return err
		}
	}
	return nil
}

// Topology returns a snapshot with the current MACs
func (n *Network) Topology() *domain.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topo.Clone()
}

// SetHardwareAddress runs ip link set address inside the host's namespace
func (n *Network) SetHardwareAddress(ctx context.Context, host, mac string) (domain.AddressAck, error) {
	hw, err := domain.ParseHardwareAddr(mac)
	if err != nil {
		var inv *domain.InvalidAddressError
		if errors.As(err, &inv) {
			inv.Host = host
		}
		return domain.AddressAck{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.topo.Host(host)
	if !ok || n.closed {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: fmt.Errorf("no such host")}
	}
	ack := domain.AddressAck{Host: host, Previous: h.MAC, Current: hw.String()}
	if domain.SameMAC(h.MAC, ack.Current) {
		return ack, nil
	}

	l, _ := n.topo.HostLink(host)
	changed, err := n.applyAddress(ctx, host, l.Iface(host), ack.Current)
	if changed {
		n.topo.SetHostMAC(host, ack.Current)
	}
	if err != nil {
		return domain.AddressAck{}, err
	}
	ack.Changed = true
	return ack, nil
}

// applyAddress cycles the interface down and up around the change, as the
// kernel refuses a new address on some drivers while the link is up. It
// reports whether the address was written even if a later step failed.
func (n *Network) applyAddress(ctx context.Context, host, dev, mac string) (bool, error) {
	ns := n.s.namespace(host)
	fail := func(stderr string, err error) error {
		if ctx.Err() != nil {
			return &domain.HostUnreachableError{Host: host, Err: ctx.Err()}
		}
		return iproute.ClassifyError(host, mac, stderr, err)
	}

	if _, stderr, err := n.run(ctx, iproute.InNetns(ns, iproute.LinkDown(dev)...)); err != nil {
		return false, fail(stderr, err)
	}
	if _, stderr, err := n.run(ctx, iproute.InNetns(ns, iproute.LinkSetAddress(dev, mac)...)); err != nil {
		if _, upErr, rerr := n.run(ctx, iproute.InNetns(ns, iproute.LinkUp(dev)...)); rerr != nil {
			n.s.logger.Warn(ctx, "could not restore link after failed address change",
				logging.String("host", host), logging.String("dev", dev), logging.Err(commandError(rerr, upErr)))
		}
		return false, fail(stderr, err)
	}
	if _, stderr, err := n.run(ctx, iproute.InNetns(ns, iproute.LinkUp(dev)...)); err != nil {
		return true, fail(stderr, err)
	}
	return true, nil
}

// Probe pings or ping-scans toAddress from inside the source namespace
func (n *Network) Probe(ctx context.Context, from, toAddress string) (domain.ProbeOutcome, error) {
	n.mu.Lock()
	_, ok := n.topo.Host(from)
	to, _ := n.topo.HostByAddress(toAddress)
	closed := n.closed
	n.mu.Unlock()
	if !ok || closed {
		return domain.ProbeOutcome{}, fmt.Errorf("no such host %q", from)
	}
	ns := n.s.namespace(from)

	var out domain.ProbeOutcome
	if n.s.probeMethod == config.ProbeNmap {
		stdout, stderr, err := n.run(ctx, iproute.InNetns(ns, probe.PingScanArgs(toAddress)...))
		if err != nil {
			return domain.ProbeOutcome{}, commandError(err, stderr)
		}
		out, err = probe.ParseScan([]byte(stdout), from, toAddress)
		if err != nil {
			return domain.ProbeOutcome{}, err
		}
	} else {
		stdout, _, err := n.run(ctx, iproute.InNetns(ns, probe.PingArgs(toAddress, n.s.probeTimeout)...))
		if ctx.Err() != nil {
			return domain.ProbeOutcome{}, ctx.Err()
		}
		out = probe.PingOutcome(from, toAddress, []byte(stdout), err)
	}
	out.To = to.Name
	return out, nil
}

// ForwardingTable reads the switch MAC table
func (n *Network) ForwardingTable(ctx context.Context, sw string) ([]domain.ForwardingEntry, error) {
	n.mu.Lock()
	if sw == "" && len(n.topo.Switches) > 0 {
		sw = n.topo.Switches[0].Name
	}
	_, ok := n.topo.Switch(sw)
	ports := n.ofPorts[sw]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such switch %q", sw)
	}

	if n.s.switchKind == config.SwitchBridge {
		out, stderr, err := n.run(ctx, iproute.BridgeFDBShow(sw))
		if err != nil {
			return nil, commandError(err, stderr)
		}
		return iproute.ParseBridgeFDB(out, sw), nil
	}
	out, stderr, err := n.run(ctx, iproute.OVSFDBShow(sw))
	if err != nil {
		return nil, commandError(err, stderr)
	}
	return iproute.ParseOVSFDB(out, sw, ports), nil
}

// Exec runs a command inside the host's namespace
func (n *Network) Exec(ctx context.Context, host string, argv ...string) (string, error) {
	if _, ok := n.topo.Host(host); !ok {
		return "", fmt.Errorf("no such host %q", host)
	}
	stdout, stderr, err := n.run(ctx, iproute.InNetns(n.s.namespace(host), argv...))
	if err != nil {
		return stdout + stderr, err
	}
	return stdout, nil
}

// OpenInteractiveSession hands the network to the operator
func (n *Network) OpenInteractiveSession(ctx context.Context) error {
	return substrate.Attend(ctx, n.s.operator, n)
}

// Teardown undoes provisioning newest first and closes the connection
func (n *Network) Teardown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}

	var errs []error
	for i := len(n.undo) - 1; i >= 0; i-- {
		if _, stderr, err := n.run(ctx, n.undo[i]); err != nil {
			errs = append(errs, commandError(err, stderr))
		}
	}
	n.undo = nil
	n.closed = true
	if err := n.runner.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ssh: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown: %w", errors.Join(errs...))
	}
	n.s.logger.Info(ctx, "remote network torn down")
	return nil
}
