//go:build linux

package netns

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"mactable/internal/domain"
)

type netlinkDataplane struct {
	mu      sync.Mutex
	handles map[string]*netlink.Handle
	nsFDs   map[string]netns.NsHandle
}

func newDataplane() (dataplane, error) {
	return &netlinkDataplane{
		handles: make(map[string]*netlink.Handle),
		nsFDs:   make(map[string]netns.NsHandle),
	}, nil
}

func (d *netlinkDataplane) CreateNamespace(name string) error {
	runtime.LockOSThread()
	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	// NewNamed moves this thread into the new namespace
	ns, err := netns.NewNamed(name)
	if err != nil {
		err = fmt.Errorf("create netns %s: %w", name, err)
		if rerr := returnToNamespace(origin); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if err := returnToNamespace(origin); err != nil {
		ns.Close()
		return err
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return fmt.Errorf("netlink handle for %s: %w", name, err)
	}

	d.mu.Lock()
	d.handles[name] = h
	d.nsFDs[name] = ns
	d.mu.Unlock()
	return nil
}

func (d *netlinkDataplane) DeleteNamespace(name string) error {
	d.mu.Lock()
	if h, ok := d.handles[name]; ok {
		h.Close()
		delete(d.handles, name)
	}
	if ns, ok := d.nsFDs[name]; ok {
		ns.Close()
		delete(d.nsFDs, name)
	}
	d.mu.Unlock()

	if err := netns.DeleteNamed(name); err != nil && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("delete netns %s: %w", name, err)
	}
	return nil
}

func (d *netlinkDataplane) handle(ns string) (*netlink.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[ns]
	if !ok {
		return nil, fmt.Errorf("cannot open network namespace %q: not created", ns)
	}
	return h, nil
}

func (d *netlinkDataplane) AddVeth(name, peer string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	if err := netlink.LinkAdd(&netlink.Veth{LinkAttrs: la, PeerName: peer}); err != nil {
		return fmt.Errorf("add veth %s/%s: %w", name, peer, err)
	}
	return nil
}

func (d *netlinkDataplane) MoveToNamespace(link, ns string) error {
	d.mu.Lock()
	fd, ok := d.nsFDs[ns]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("namespace %s not created", ns)
	}
	l, err := netlink.LinkByName(link)
	if err != nil {
		return fmt.Errorf("find %s: %w", link, err)
	}
	if err := netlink.LinkSetNsFd(l, int(fd)); err != nil {
		return fmt.Errorf("move %s to %s: %w", link, ns, err)
	}
	return nil
}

func (d *netlinkDataplane) ConfigureHost(ns, iface, cidr string) error {
	h, err := d.handle(ns)
	if err != nil {
		return err
	}
	l, err := h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find %s in %s: %w", iface, ns, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse %s: %w", cidr, err)
	}
	if err := h.AddrAdd(l, addr); err != nil {
		return fmt.Errorf("add %s to %s: %w", cidr, iface, err)
	}
	if err := h.LinkSetUp(l); err != nil {
		return fmt.Errorf("up %s: %w", iface, err)
	}
	lo, err := h.LinkByName("lo")
	if err == nil {
		err = h.LinkSetUp(lo)
	}
	if err != nil {
		return fmt.Errorf("up lo in %s: %w", ns, err)
	}
	return nil
}

func (d *netlinkDataplane) HardwareAddr(ns, iface string) (string, error) {
	h, err := d.handle(ns)
	if err != nil {
		return "", err
	}
	l, err := h.LinkByName(iface)
	if err != nil {
		return "", err
	}
	return l.Attrs().HardwareAddr.String(), nil
}

// SetHardwareAddr takes the link down around the change the way
// "ifconfig hw ether" does
func (d *netlinkDataplane) SetHardwareAddr(ns, iface string, hw net.HardwareAddr) error {
	h, err := d.handle(ns)
	if err != nil {
		return err
	}
	l, err := h.LinkByName(iface)
	if err != nil {
		return err
	}
	if err := h.LinkSetDown(l); err != nil {
		return err
	}
	if err := h.LinkSetHardwareAddr(l, hw); err != nil {
		if uerr := h.LinkSetUp(l); uerr != nil {
			return errors.Join(err, fmt.Errorf("restore %s up: %w", iface, uerr))
		}
		return err
	}
	return h.LinkSetUp(l)
}

func (d *netlinkDataplane) AddBridge(name string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("add bridge %s: %w", name, err)
	}
	return netlink.LinkSetUp(br)
}

func (d *netlinkDataplane) SetMaster(link, bridge string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return fmt.Errorf("find %s: %w", link, err)
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("find %s: %w", bridge, err)
	}
	return netlink.LinkSetMaster(l, br)
}

func (d *netlinkDataplane) LinkUp(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find %s: %w", name, err)
	}
	return netlink.LinkSetUp(l)
}

func (d *netlinkDataplane) DeleteLink(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(l)
}

func (d *netlinkDataplane) BridgeFDB(bridge string) ([]domain.ForwardingEntry, error) {
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", bridge, err)
	}
	neighs, err := netlink.NeighList(0, syscall.AF_BRIDGE)
	if err != nil {
		return nil, fmt.Errorf("list fdb: %w", err)
	}

	var entries []domain.ForwardingEntry
	for _, n := range neighs {
		if n.MasterIndex != br.Attrs().Index || len(n.HardwareAddr) == 0 {
			continue
		}
		if n.HardwareAddr[0]&0x01 != 0 {
			continue
		}
		port := fmt.Sprintf("%d", n.LinkIndex)
		if l, err := netlink.LinkByIndex(n.LinkIndex); err == nil {
			port = l.Attrs().Name
		}
		entries = append(entries, domain.ForwardingEntry{
			Switch: bridge,
			Port:   port,
			MAC:    n.HardwareAddr.String(),
			Local:  n.State&netlink.NUD_PERMANENT != 0,
		})
	}
	return entries, nil
}

func (d *netlinkDataplane) InNamespace(ns string, fn func() error) error {
	d.mu.Lock()
	target, ok := d.nsFDs[ns]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("namespace %s not created", ns)
	}

	runtime.LockOSThread()
	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer origin.Close()

	if err := netns.Set(target); err != nil {
		err = fmt.Errorf("enter %s: %w", ns, err)
		if rerr := returnToNamespace(origin); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}

	ferr := fn()
	if err := returnToNamespace(origin); err != nil {
		return errors.Join(ferr, err)
	}
	return ferr
}

// returnToNamespace moves the locked thread back to origin and unlocks it.
// If the move fails the thread stays locked, so the runtime retires it with
// the goroutine instead of reusing a thread in the wrong namespace.
func returnToNamespace(origin netns.NsHandle) error {
	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("restore netns: %w", err)
	}
	runtime.UnlockOSThread()
	return nil
}
