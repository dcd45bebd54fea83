package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
)

const broadcast = "ff:ff:ff:ff:ff:ff"

type arpEntry struct {
	mac string
	at  time.Time
}

type simHost struct {
	name string
	ip   string
	mac  string
	port string // switch port the host is cabled to
	arp  map[string]arpEntry
}

type camEntry struct {
	port string
	at   time.Time
}

type simSwitch struct {
	name  string
	ports []string
	cam   map[string]camEntry
}

// Network is a live simulated segment
type Network struct {
	cfg *Substrate

	mu       sync.Mutex
	topo     *domain.Topology
	hosts    map[string]*simHost
	byPort   map[string]*simHost
	sw       *simSwitch
	tornDown bool
}

var (
	_ substrate.Network               = (*Network)(nil)
	_ substrate.ForwardingTableReader = (*Network)(nil)
	_ substrate.CommandRunner         = (*Network)(nil)
)

func newNetwork(cfg *Substrate, topo *domain.Topology) *Network {
	n := &Network{
		cfg:    cfg,
		topo:   topo,
		hosts:  make(map[string]*simHost),
		byPort: make(map[string]*simHost),
	}
	sw := topo.Switches[0]
	n.sw = &simSwitch{name: sw.Name, cam: make(map[string]camEntry)}
	for _, l := range topo.SwitchPorts(sw.Name) {
		n.sw.ports = append(n.sw.ports, l.Iface(sw.Name))
	}
	for _, h := range topo.Hosts {
		sh := &simHost{name: h.Name, ip: h.Address(), arp: make(map[string]arpEntry)}
		if l, ok := topo.HostLink(h.Name); ok {
			sh.port = l.Iface(sw.Name)
			n.byPort[sh.port] = sh
		}
		n.hosts[h.Name] = sh
	}
	return n
}

// Topology returns a snapshot with the current MACs
func (n *Network) Topology() *domain.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topo.Clone()
}

// SetHardwareAddress reassigns a host MAC. Like Linux, the change flushes the
// host's own neighbour cache; peers and the switch are not told.
func (n *Network) SetHardwareAddress(ctx context.Context, host, mac string) (domain.AddressAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: err}
	}

	hw, err := domain.ParseHardwareAddr(mac)
	if err != nil {
		if inv, ok := err.(*domain.InvalidAddressError); ok {
			inv.Host = host
		}
		return domain.AddressAck{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tornDown {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: errTornDown}
	}
	h, ok := n.hosts[host]
	if !ok {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: fmt.Errorf("no such host")}
	}
	if n.cfg.unreachable[host] {
		return domain.AddressAck{}, &domain.HostUnreachableError{Host: host, Err: fmt.Errorf("interface %s-eth0 not responding", host)}
	}

	ack := domain.AddressAck{Host: host, Previous: h.mac, Current: hw.String()}
	if h.mac == hw.String() {
		return ack, nil
	}

	h.mac = hw.String()
	h.arp = make(map[string]arpEntry)
	n.topo.SetHostMAC(host, h.mac)
	ack.Changed = true

	n.cfg.logger.Debug(ctx, "sim address changed",
		logging.String("host", host),
		logging.String("previous", ack.Previous),
		logging.String("current", ack.Current))
	return ack, nil
}

// Probe models "ping -c 1": ARP resolution when needed, one echo request and
// the echo reply, each forwarded by the switch.
func (n *Network) Probe(ctx context.Context, from, toAddress string) (domain.ProbeOutcome, error) {
	out := domain.ProbeOutcome{From: from, ToAddress: toAddress, Method: domain.ProbeMethodSim}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if n.cfg.probeErr != nil {
		return out, n.cfg.probeErr
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	out.At = n.cfg.now()
	if n.tornDown {
		return out, errTornDown
	}
	src, ok := n.hosts[from]
	if !ok {
		return out, fmt.Errorf("no such host %q", from)
	}
	if h, ok := n.topo.HostByAddress(toAddress); ok {
		out.To = h.Name
	}
	if n.cfg.unreachable[from] {
		out.Detail = "source interface down"
		return out, nil
	}

	hops := 0
	dstMAC, arpHops, ok := n.resolve(src, toAddress)
	hops += arpHops
	if !ok {
		out.Detail = "destination host unreachable: no ARP reply"
		return out, nil
	}

	accepted, h := n.transmit(src, dstMAC)
	hops += h
	var responder *simHost
	for _, r := range accepted {
		if r.ip == toAddress {
			responder = r
		}
	}
	if responder == nil {
		out.Detail = fmt.Sprintf("echo request to %s not accepted", dstMAC)
		return out, nil
	}

	replyMAC, arpHops, ok := n.resolve(responder, src.ip)
	hops += arpHops
	if !ok {
		out.Detail = "echo reply not sent: responder could not resolve source"
		return out, nil
	}
	accepted, h = n.transmit(responder, replyMAC)
	hops += h
	for _, r := range accepted {
		if r == src {
			out.Success = true
		}
	}
	out.ObservedMAC = responder.mac
	out.Latency = time.Duration(hops) * n.cfg.latency
	if !out.Success {
		out.Detail = fmt.Sprintf("echo reply addressed to stale MAC %s was dropped", replyMAC)
	}
	return out, nil
}

// resolve returns the MAC h uses for ip, sending an ARP request when the
// cache has no live entry. The target learns the requester from the request.
func (n *Network) resolve(h *simHost, ip string) (string, int, bool) {
	now := n.cfg.now()
	if e, ok := h.arp[ip]; ok && now.Sub(e.at) < n.cfg.arpTimeout {
		return e.mac, 0, true
	}
	delete(h.arp, ip)

	hops := 0
	accepted, hp := n.transmit(h, broadcast)
	hops += hp
	for _, r := range accepted {
		if r.ip != ip {
			continue
		}
		r.arp[h.ip] = arpEntry{mac: h.mac, at: now}
		// The reply goes to the sender hardware address in the request.
		back, hp := n.transmit(r, h.mac)
		hops += hp
		for _, b := range back {
			if b == h {
				h.arp[ip] = arpEntry{mac: r.mac, at: now}
				return r.mac, hops, true
			}
		}
	}
	return "", hops, false
}

// transmit sends a frame from h to dst through the switch and returns the
// hosts whose NIC accepted it, plus the number of hops taken.
func (n *Network) transmit(h *simHost, dst string) ([]*simHost, int) {
	if n.cfg.unreachable[h.name] {
		return nil, 0
	}
	now := n.cfg.now()
	n.sw.cam[h.mac] = camEntry{port: h.port, at: now}

	var egress []string
	if e, ok := n.sw.cam[dst]; ok && dst != broadcast && now.Sub(e.at) < n.cfg.agingTime {
		if e.port == h.port {
			return nil, 1
		}
		egress = []string{e.port}
	} else {
		delete(n.sw.cam, dst)
		for _, p := range n.sw.ports {
			if p != h.port {
				egress = append(egress, p)
			}
		}
	}

	var accepted []*simHost
	for _, p := range egress {
		r, ok := n.byPort[p]
		if !ok || n.cfg.unreachable[r.name] {
			continue
		}
		if dst == broadcast || dst == r.mac {
			accepted = append(accepted, r)
		}
	}
	return accepted, 2
}

// ForwardingTable dumps the live CAM entries of the switch
func (n *Network) ForwardingTable(ctx context.Context, sw string) ([]domain.ForwardingEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sw != "" && sw != n.sw.name {
		return nil, fmt.Errorf("no such switch %q", sw)
	}
	now := n.cfg.now()
	entries := make([]domain.ForwardingEntry, 0, len(n.sw.cam))
	for mac, e := range n.sw.cam {
		age := now.Sub(e.at)
		if age >= n.cfg.agingTime {
			delete(n.sw.cam, mac)
			continue
		}
		entries = append(entries, domain.ForwardingEntry{Switch: n.sw.name, Port: e.port, MAC: mac, Age: age})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Port != entries[j].Port {
			return entries[i].Port < entries[j].Port
		}
		return entries[i].MAC < entries[j].MAC
	})
	return entries, nil
}

// Exec emulates the few host commands useful during a checkpoint
func (n *Network) Exec(ctx context.Context, host string, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if argv[0] == "ping" {
		if len(argv) < 2 {
			return "", fmt.Errorf("usage: ping <address>")
		}
		out, err := n.Probe(ctx, host, argv[len(argv)-1])
		if err != nil {
			return "", err
		}
		return formatPing(out), nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[host]
	if !ok {
		return "", fmt.Errorf("no such host %q", host)
	}
	cmd := strings.Join(argv, " ")
	switch {
	case cmd == "arp -n" || cmd == "ip neigh" || cmd == "ip neigh show":
		return n.formatNeighbours(h), nil
	case cmd == "ifconfig" || strings.HasPrefix(cmd, "ip link") || strings.HasPrefix(cmd, "ip addr"):
		return fmt.Sprintf("%s-eth0: link/ether %s inet %s\n", h.name, h.mac, h.ip), nil
	default:
		return "", fmt.Errorf("%q: %w", cmd, substrate.ErrUnsupported)
	}
}

func (n *Network) formatNeighbours(h *simHost) string {
	now := n.cfg.now()
	ips := make([]string, 0, len(h.arp))
	for ip := range h.arp {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var b strings.Builder
	for _, ip := range ips {
		e := h.arp[ip]
		state := "REACHABLE"
		if now.Sub(e.at) >= n.cfg.arpTimeout {
			state = "STALE"
		}
		fmt.Fprintf(&b, "%s dev %s-eth0 lladdr %s %s\n", ip, h.name, e.mac, state)
	}
	return b.String()
}

func formatPing(o domain.ProbeOutcome) string {
	if o.Success {
		return fmt.Sprintf("64 bytes from %s: icmp_seq=1 time=%.3f ms\n1 packets transmitted, 1 received\n",
			o.ToAddress, float64(o.Latency)/float64(time.Millisecond))
	}
	return fmt.Sprintf("1 packets transmitted, 0 received (%s)\n", o.Detail)
}

// OpenInteractiveSession hands the network to the operator
func (n *Network) OpenInteractiveSession(ctx context.Context) error {
	return substrate.Attend(ctx, n.cfg.operator, n)
}

// Teardown discards all state
func (n *Network) Teardown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tornDown {
		return nil
	}
	n.tornDown = true
	n.sw.cam = make(map[string]camEntry)
	n.cfg.logger.Info(ctx, "sim network torn down")
	return nil
}
