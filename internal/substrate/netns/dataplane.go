package netns

import (
	"net"

	"mactable/internal/domain"
)

// dataplane is the kernel surface the substrate needs. The netlink
// implementation lives in dataplane_linux.go; tests use a fake.
type dataplane interface {
	CreateNamespace(name string) error
	DeleteNamespace(name string) error

	AddVeth(name, peer string) error
	MoveToNamespace(link, ns string) error
	ConfigureHost(ns, iface, cidr string) error
	HardwareAddr(ns, iface string) (string, error)
	SetHardwareAddr(ns, iface string, hw net.HardwareAddr) error

	AddBridge(name string) error
	SetMaster(link, bridge string) error
	LinkUp(name string) error
	DeleteLink(name string) error
	BridgeFDB(bridge string) ([]domain.ForwardingEntry, error)

	// InNamespace runs fn on a thread switched into ns
	InNamespace(ns string, fn func() error) error
}
