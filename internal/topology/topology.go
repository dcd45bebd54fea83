// Package topology builds the fixed two-host, one-switch segment the MAC
// table scenarios run against.
package topology

import (
	"fmt"
	"strings"

	"mactable/internal/domain"
)

// Node names and defaults of the attack segment
const (
	Attacker = "h1"
	Victim   = "h2"
	Switch   = "s1"

	DefaultAttackerIP        = "10.0.0.1"
	DefaultVictimIP          = "10.0.0.2"
	DefaultListenPort        = 6634
	DefaultControllerAddress = "10.0.2.2"
)

type params struct {
	attackerIP string
	victimIP   string
	prefix     int
	listenPort int
	controller domain.ControllerEndpoint
}

// Option customizes the segment
type Option func(*params)

// WithController binds the switch to a different controller endpoint
func WithController(addr string, port int) Option {
	return func(p *params) {
		if addr != "" {
			p.controller.Address = addr
		}
		if port != 0 {
			p.controller.Port = port
		}
	}
}

// WithListenPort sets the passive OpenFlow port of the switch
func WithListenPort(port int) Option {
	return func(p *params) {
		if port != 0 {
			p.listenPort = port
		}
	}
}

// WithHostIPs sets the addresses of h1 and h2
func WithHostIPs(attacker, victim string) Option {
	return func(p *params) {
		if attacker != "" {
			p.attackerIP = attacker
		}
		if victim != "" {
			p.victimIP = victim
		}
	}
}

// WithSubnetPrefix sets the prefix length assigned with the host addresses
func WithSubnetPrefix(n int) Option {
	return func(p *params) {
		p.prefix = n
	}
}

// MacTableAttack returns the segment: h1 and h2 attached to s1, with s1
// bound to the remote controller.
func MacTableAttack(opts ...Option) *domain.Topology {
	p := &params{
		attackerIP: DefaultAttackerIP,
		victimIP:   DefaultVictimIP,
		listenPort: DefaultListenPort,
		controller: domain.ControllerEndpoint{
			Address: DefaultControllerAddress,
			Port:    domain.DefaultControllerPort,
		},
	}
	for _, opt := range opts {
		opt(p)
	}

	topo := domain.NewTopology()
	topo.AddHost(domain.Host{Name: Attacker, IP: withPrefix(p.attackerIP, p.prefix)})
	topo.AddHost(domain.Host{Name: Victim, IP: withPrefix(p.victimIP, p.prefix)})
	topo.AddSwitch(domain.Switch{Name: Switch, DPID: dpid(1), ListenPort: p.listenPort})
	topo.AddLink(Attacker, Switch)
	topo.AddLink(Victim, Switch)
	topo.Controller = p.controller
	return topo
}

// Describe renders the Mininet-style net dump of topo
func Describe(topo *domain.Topology) string {
	if topo == nil {
		return ""
	}
	return topo.Describe()
}

func withPrefix(ip string, prefix int) string {
	if prefix <= 0 || strings.Contains(ip, "/") {
		return ip
	}
	return fmt.Sprintf("%s/%d", ip, prefix)
}

// dpid formats a datapath ID the way Mininet derives it from the switch number
func dpid(n int) string {
	return fmt.Sprintf("%016x", n)
}
