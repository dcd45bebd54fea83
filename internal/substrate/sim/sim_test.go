package sim

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/substrate"
	"mactable/internal/topology"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestNetwork(t *testing.T, opts ...Option) (*Network, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithLatency(time.Millisecond)}, opts...)

	n, err := New(opts...).Instantiate(context.Background(), topology.MacTableAttack())
	require.NoError(t, err)
	t.Cleanup(func() { n.Teardown(context.Background()) })
	return n.(*Network), clock
}

func TestInstantiateAssignsMACs(t *testing.T) {
	n, _ := newTestNetwork(t)

	topo := n.Topology()
	h1, _ := topo.Host("h1")
	h2, _ := topo.Host("h2")
	assert.Equal(t, "00:00:00:00:00:01", h1.MAC)
	assert.Equal(t, "00:00:00:00:00:02", h2.MAC)
}

func TestInstantiateFailures(t *testing.T) {
	ctx := context.Background()

	_, err := New(WithProvisioningFailure(errors.New("controller unreachable"))).
		Instantiate(ctx, topology.MacTableAttack())
	var prov *domain.ProvisioningError
	require.ErrorAs(t, err, &prov)
	assert.Contains(t, err.Error(), "controller unreachable")

	bad := topology.MacTableAttack()
	bad.Links = bad.Links[:1]
	_, err = New().Instantiate(ctx, bad)
	require.ErrorAs(t, err, &prov)
}

func TestSetHardwareAddress(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNetwork(t)

	ack, err := n.SetHardwareAddress(ctx, "h1", "FA:DD:FD:B8:BB:AA")
	require.NoError(t, err)
	assert.True(t, ack.Changed)
	assert.Equal(t, "00:00:00:00:00:01", ack.Previous)
	assert.Equal(t, "fa:dd:fd:b8:bb:aa", ack.Current)

	h1, _ := n.Topology().Host("h1")
	assert.Equal(t, "fa:dd:fd:b8:bb:aa", h1.MAC)

	ack, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:bb:aa")
	require.NoError(t, err)
	assert.False(t, ack.Changed, "same-value reassignment is a no-op")
}

func TestSetHardwareAddressErrors(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNetwork(t, WithUnreachable("h2"))

	_, err := n.SetHardwareAddress(ctx, "h1", "not-a-mac")
	var inv *domain.InvalidAddressError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "h1", inv.Host)

	_, err = n.SetHardwareAddress(ctx, "h2", "aa:aa:aa:aa:aa:02")
	var unreach *domain.HostUnreachableError
	require.ErrorAs(t, err, &unreach)
	assert.Equal(t, "h2", unreach.Host)

	_, err = n.SetHardwareAddress(ctx, "h9", "aa:aa:aa:aa:aa:02")
	require.ErrorAs(t, err, &unreach)
}

func TestProbeSucceedsOnFreshSegment(t *testing.T) {
	n, _ := newTestNetwork(t)

	out, err := n.Probe(context.Background(), "h1", "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, out.Success, out.Detail)
	assert.Equal(t, "h2", out.To)
	assert.Equal(t, domain.ProbeMethodSim, out.Method)
	assert.Equal(t, "00:00:00:00:00:02", out.ObservedMAC)
	assert.Greater(t, out.Latency, time.Duration(0))
}

func TestProbeFromChangedHostRefreshesPeer(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNetwork(t)

	_, err := n.Probe(ctx, "h1", "10.0.0.2")
	require.NoError(t, err)

	_, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:bb:aa")
	require.NoError(t, err)

	out, err := n.Probe(ctx, "h1", "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, out.Success, "h1 re-ARPs after its cache flush, so h2 learns the new MAC: %s", out.Detail)
}

func TestProbeTowardChangedHostFailsUntilARPExpires(t *testing.T) {
	ctx := context.Background()
	n, clock := newTestNetwork(t, WithARPTimeout(30*time.Second))

	out, err := n.Probe(ctx, "h2", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, out.Success)

	_, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:aa:bb")
	require.NoError(t, err)

	out, err = n.Probe(ctx, "h2", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, out.Success, "h2 still addresses the old MAC")
	assert.Contains(t, out.Detail, "00:00:00:00:00:01")

	clock.Advance(31 * time.Second)
	out, err = n.Probe(ctx, "h2", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, out.Success, out.Detail)
	assert.Equal(t, "fa:dd:fd:b8:aa:bb", out.ObservedMAC)
}

func TestForwardingTableLearnsAndAges(t *testing.T) {
	ctx := context.Background()
	n, clock := newTestNetwork(t, WithAgingTime(time.Minute))

	_, err := n.Probe(ctx, "h1", "10.0.0.2")
	require.NoError(t, err)
	_, err = n.SetHardwareAddress(ctx, "h1", "fa:dd:fd:b8:bb:aa")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = n.Probe(ctx, "h1", "10.0.0.2")
	require.NoError(t, err)

	entries, err := n.ForwardingTable(ctx, "s1")
	require.NoError(t, err)

	var port1 []string
	for _, e := range entries {
		if e.Port == "s1-eth1" {
			port1 = append(port1, e.MAC)
		}
	}
	assert.ElementsMatch(t, []string{"00:00:00:00:00:01", "fa:dd:fd:b8:bb:aa"}, port1,
		"old and new MAC both point at h1's port until the old entry ages out")

	clock.Advance(55 * time.Second)
	entries, err = n.ForwardingTable(ctx, "s1")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "00:00:00:00:00:01", e.MAC, "old entry should have aged out")
	}

	_, err = n.ForwardingTable(ctx, "s2")
	assert.Error(t, err)
}

func TestProbeFailureInjection(t *testing.T) {
	n, _ := newTestNetwork(t, WithProbeFailure(errors.New("ping: sendmsg: operation not permitted")))

	_, err := n.Probe(context.Background(), "h1", "10.0.0.2")
	assert.Error(t, err)
}

func TestProbeUnreachableDestination(t *testing.T) {
	n, _ := newTestNetwork(t, WithUnreachable("h2"))

	out, err := n.Probe(context.Background(), "h1", "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Detail, "no ARP reply")
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNetwork(t)

	out, err := n.Exec(ctx, "h1", "ping", "-c", "1", "10.0.0.2")
	require.NoError(t, err)
	assert.Contains(t, out, "1 received")

	out, err = n.Exec(ctx, "h2", "arp", "-n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "10.0.0.1 dev h2-eth0 lladdr 00:00:00:00:00:01"), out)

	_, err = n.Exec(ctx, "h1", "tcpdump")
	assert.ErrorIs(t, err, substrate.ErrUnsupported)
}

func TestOpenInteractiveSession(t *testing.T) {
	ctx := context.Background()

	n, _ := newTestNetwork(t)
	assert.NoError(t, n.OpenInteractiveSession(ctx), "no operator releases immediately")

	var seen substrate.Network
	op := substrate.OperatorFunc(func(_ context.Context, net substrate.Network) error {
		seen = net
		return domain.ErrOperatorAbort
	})
	n2, _ := newTestNetwork(t, WithOperator(op))
	assert.ErrorIs(t, n2.OpenInteractiveSession(ctx), domain.ErrOperatorAbort)
	assert.Same(t, n2, seen)
}

func TestTeardownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNetwork(t)

	require.NoError(t, n.Teardown(ctx))
	require.NoError(t, n.Teardown(ctx))

	_, err := n.SetHardwareAddress(ctx, "h1", "aa:aa:aa:aa:aa:01")
	var unreach *domain.HostUnreachableError
	assert.ErrorAs(t, err, &unreach)
}

func TestFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Substrate.Sim.ARPTimeout = config.Duration(5 * time.Second)

	s, err := Factory(cfg, substrate.Env{})
	require.NoError(t, err)
	assert.Equal(t, "sim", s.Name())
	assert.Equal(t, 5*time.Second, s.(*Substrate).arpTimeout)
}
