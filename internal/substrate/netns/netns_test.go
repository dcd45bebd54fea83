package netns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/substrate"
	"mactable/internal/topology"
)

var errNotPermitted = errors.New("operation not permitted")

// fakeDataplane records calls and keeps link MACs in memory
type fakeDataplane struct {
	mu       sync.Mutex
	calls    []string
	macs     map[string]string
	failOn   string
	setMACFn func(ns, iface string) error
}

func newFakeDataplane() *fakeDataplane {
	return &fakeDataplane{macs: make(map[string]string)}
}

func (f *fakeDataplane) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf(format, args...)
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return errNotPermitted
	}
	return nil
}

func (f *fakeDataplane) CreateNamespace(name string) error { return f.record("netns add %s", name) }
func (f *fakeDataplane) DeleteNamespace(name string) error { return f.record("netns del %s", name) }
func (f *fakeDataplane) AddVeth(name, peer string) error   { return f.record("veth %s %s", name, peer) }
func (f *fakeDataplane) MoveToNamespace(link, ns string) error {
	return f.record("move %s %s", link, ns)
}
func (f *fakeDataplane) ConfigureHost(ns, iface, cidr string) error {
	return f.record("addr %s %s %s", ns, iface, cidr)
}

func (f *fakeDataplane) HardwareAddr(ns, iface string) (string, error) {
	if err := f.record("mac %s %s", ns, iface); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if mac, ok := f.macs[ns+"/"+iface]; ok {
		return mac, nil
	}
	mac := fmt.Sprintf("02:00:00:00:00:%02x", len(f.macs)+1)
	f.macs[ns+"/"+iface] = mac
	return mac, nil
}

func (f *fakeDataplane) SetHardwareAddr(ns, iface string, hw net.HardwareAddr) error {
	if f.setMACFn != nil {
		if err := f.setMACFn(ns, iface); err != nil {
			return err
		}
	}
	if err := f.record("set mac %s %s %s", ns, iface, hw); err != nil {
		return err
	}
	f.mu.Lock()
	f.macs[ns+"/"+iface] = hw.String()
	f.mu.Unlock()
	return nil
}

func (f *fakeDataplane) AddBridge(name string) error { return f.record("bridge %s", name) }
func (f *fakeDataplane) SetMaster(link, bridge string) error {
	return f.record("master %s %s", link, bridge)
}
func (f *fakeDataplane) LinkUp(name string) error     { return f.record("up %s", name) }
func (f *fakeDataplane) DeleteLink(name string) error { return f.record("del %s", name) }

func (f *fakeDataplane) BridgeFDB(bridge string) ([]domain.ForwardingEntry, error) {
	return []domain.ForwardingEntry{{Switch: bridge, Port: "s1-eth1", MAC: "02:00:00:00:00:01"}}, nil
}

func (f *fakeDataplane) InNamespace(ns string, fn func() error) error {
	if err := f.record("enter %s", ns); err != nil {
		return err
	}
	return fn()
}

func (f *fakeDataplane) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// fakeCommander answers by command prefix
type fakeCommander struct {
	mu        sync.Mutex
	commands  []string
	responses map[string]string
	fail      map[string]string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{responses: make(map[string]string), fail: make(map[string]string)}
}

func (c *fakeCommander) Run(ctx context.Context, argv ...string) (string, string, error) {
	line := strings.Join(argv, " ")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, line)
	for prefix, stderr := range c.fail {
		if strings.HasPrefix(line, prefix) {
			return "", stderr, errors.New("exit status 1")
		}
	}
	for prefix, out := range c.responses {
		if strings.HasPrefix(line, prefix) {
			return out, "", nil
		}
	}
	return "", "", nil
}

func (c *fakeCommander) ran(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range c.commands {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

type nopConn struct{ net.Conn }

func (nopConn) Close() error { return nil }

func reachable(ctx context.Context, network, addr string) (net.Conn, error) {
	return nopConn{}, nil
}

func unreachable(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func newTestSubstrate(dp *fakeDataplane, cmd *fakeCommander, opts ...Option) *Substrate {
	base := []Option{withDataplane(dp), WithCommander(cmd), WithDialer(reachable)}
	return New(append(base, opts...)...)
}

func TestInstantiateOVS(t *testing.T) {
	dp, cmd := newFakeDataplane(), newFakeCommander()
	n, err := newTestSubstrate(dp, cmd).Instantiate(context.Background(), topology.MacTableAttack())
	require.NoError(t, err)

	assert.True(t, cmd.ran("ovs-vsctl --may-exist add-br s1"))
	assert.True(t, cmd.ran("ovs-vsctl set-controller s1 tcp:10.0.2.2:6653 ptcp:6634"))
	assert.True(t, cmd.ran("ovs-vsctl --may-exist add-port s1 s1-eth1"))
	assert.True(t, cmd.ran("ovs-vsctl --may-exist add-port s1 s1-eth2"))

	assert.True(t, dp.has("netns add mt-h1"))
	assert.True(t, dp.has("veth s1-eth1 h1-eth0"))
	assert.True(t, dp.has("move h1-eth0 mt-h1"))
	assert.True(t, dp.has("addr mt-h1 h1-eth0 10.0.0.1/8"))
	assert.True(t, dp.has("up s1-eth2"))

	h1, _ := n.Topology().Host("h1")
	assert.NotEmpty(t, h1.MAC)
}

func TestInstantiateBridge(t *testing.T) {
	dp, cmd := newFakeDataplane(), newFakeCommander()
	s := newTestSubstrate(dp, cmd, WithSwitchKind(config.SwitchBridge))
	n, err := s.Instantiate(context.Background(), topology.MacTableAttack())
	require.NoError(t, err)

	assert.True(t, dp.has("bridge s1"))
	assert.True(t, dp.has("master s1-eth1 s1"))
	assert.False(t, cmd.ran("ovs-vsctl"))

	fdb, err := n.(*Network).ForwardingTable(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, fdb, 1)
	assert.Equal(t, "s1-eth1", fdb[0].Port)
}

func TestInstantiateControllerUnreachable(t *testing.T) {
	ctx := context.Background()

	dp, cmd := newFakeDataplane(), newFakeCommander()
	s := newTestSubstrate(dp, cmd, WithDialer(unreachable), WithRequireReachableController(true))
	_, err := s.Instantiate(ctx, topology.MacTableAttack())
	var prov *domain.ProvisioningError
	require.ErrorAs(t, err, &prov)
	assert.Equal(t, "reach controller", prov.Op)
	assert.Empty(t, dp.calls, "nothing should be created")

	s = newTestSubstrate(newFakeDataplane(), newFakeCommander(), WithDialer(unreachable))
	_, err = s.Instantiate(ctx, topology.MacTableAttack())
	assert.NoError(t, err, "unreachable controller is only a warning by default")
}

func TestInstantiateRollsBack(t *testing.T) {
	dp, cmd := newFakeDataplane(), newFakeCommander()
	dp.failOn = "veth s1-eth2"

	_, err := newTestSubstrate(dp, cmd).Instantiate(context.Background(), topology.MacTableAttack())
	var prov *domain.ProvisioningError
	require.ErrorAs(t, err, &prov)
	assert.Equal(t, "create link", prov.Op)

	assert.True(t, dp.has("netns del mt-h1"))
	assert.True(t, dp.has("netns del mt-h2"))
	assert.True(t, dp.has("del s1-eth1"))
	assert.True(t, cmd.ran("ovs-vsctl --if-exists del-br s1"))
}

func TestSetHardwareAddress(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	ack, err := n.SetHardwareAddress(ctx, "h1", "FA:DD:FD:B8:BB:AA")
	require.NoError(t, err)
	assert.True(t, ack.Changed)
	assert.Equal(t, "fa:dd:fd:b8:bb:aa", ack.Current)
	assert.True(t, dp.has("set mac mt-h1 h1-eth0 fa:dd:fd:b8:bb:aa"))

	ack, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:bb:aa")
	require.NoError(t, err)
	assert.False(t, ack.Changed)

	_, err = n.SetHardwareAddress(ctx, "h1", "not-a-mac")
	var inv *domain.InvalidAddressError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "h1", inv.Host)

	_, err = n.SetHardwareAddress(ctx, "h9", "fa:dd:fd:b8:bb:aa")
	var unreach *domain.HostUnreachableError
	require.ErrorAs(t, err, &unreach)
}

func TestSetHardwareAddressKernelErrors(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	dp.setMACFn = func(ns, iface string) error { return errors.New("cannot assign requested address") }
	_, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:aa:bb")
	var inv *domain.InvalidAddressError
	assert.ErrorAs(t, err, &inv)
}

const pingReply = `PING 10.0.0.2 (10.0.0.2) 56(84) bytes of data.
64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=0.311 ms

--- 10.0.0.2 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms
`

func TestProbeICMP(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	cmd.responses["ip netns exec mt-h1 ping"] = pingReply
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	out, err := n.Probe(ctx, "h1", "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "h2", out.To)
	assert.Equal(t, domain.ProbeMethodICMP, out.Method)
	assert.Greater(t, out.Latency.Nanoseconds(), int64(0))

	out, err = n.Probe(ctx, "h2", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, out.Success)

	_, err = n.Probe(ctx, "h7", "10.0.0.1")
	assert.Error(t, err)
}

func TestForwardingTableOVS(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	cmd.responses["ovs-appctl fdb/show s1"] = ` port  VLAN  MAC                Age
    1     0  fa:dd:fd:b8:bb:aa    3
    2     0  02:00:00:00:00:02    1
`
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	fdb, err := n.(*Network).ForwardingTable(ctx, "")
	require.NoError(t, err)
	require.Len(t, fdb, 2)
	assert.Equal(t, "s1-eth1", fdb[0].Port)
	assert.Equal(t, "s1-eth2", fdb[1].Port)

	_, err = n.(*Network).ForwardingTable(ctx, "s9")
	assert.Error(t, err)
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	cmd.responses["ip netns exec mt-h2 arp -n"] = "? (10.0.0.1) at 02:00:00:00:00:01 [ether] on h2-eth0\n"
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	out, err := n.(*Network).Exec(ctx, "h2", "arp", "-n")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.1")
}

func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	require.NoError(t, n.Teardown(ctx))
	require.NoError(t, n.Teardown(ctx))
	assert.True(t, dp.has("netns del mt-h1"))

	_, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:bb:aa")
	var unreach *domain.HostUnreachableError
	assert.ErrorAs(t, err, &unreach)
}

func TestTeardownKeepsEveryError(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	dp.mu.Lock()
	dp.failOn = "netns del"
	dp.mu.Unlock()

	err = n.Teardown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNotPermitted)
	assert.Contains(t, err.Error(), "remove mt-h1")
	assert.Contains(t, err.Error(), "remove mt-h2")
	assert.True(t, dp.has("del s1-eth1"), "later resources are still removed")
}

func TestTeardownWaitsForAbandonedAddressChange(t *testing.T) {
	ctx := context.Background()
	dp, cmd := newFakeDataplane(), newFakeCommander()
	n, err := newTestSubstrate(dp, cmd).Instantiate(ctx, topology.MacTableAttack())
	require.NoError(t, err)

	release := make(chan struct{})
	dp.setMACFn = func(ns, iface string) error {
		<-release
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = n.SetHardwareAddress(sctx, "h1", "fa:dd:fd:b8:bb:aa")
	var unreach *domain.HostUnreachableError
	require.ErrorAs(t, err, &unreach)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	torn := make(chan error, 1)
	go func() { torn <- n.Teardown(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, dp.has("netns del mt-h1"), "namespace removed under a running change")

	close(release)
	select {
	case err := <-torn:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not finish")
	}
	assert.True(t, dp.has("netns del mt-h1"))

	// The late change landed, so the model follows the kernel
	h1, _ := n.Topology().Host("h1")
	assert.Equal(t, "fa:dd:fd:b8:bb:aa", h1.MAC)
}

func TestFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Substrate.Kind = config.SubstrateNetns
	cfg.Substrate.Switch.Kind = config.SwitchBridge
	cfg.Probe.Method = config.ProbeNmap

	sub, err := Factory(cfg, substrate.Env{})
	require.NoError(t, err)
	s := sub.(*Substrate)
	assert.Equal(t, Name, s.Name())
	assert.Equal(t, config.SwitchBridge, s.switchKind)
	assert.Equal(t, config.ProbeNmap, s.probeMethod)
}
