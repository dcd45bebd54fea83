package iproute

import (
	"errors"
	"strings"
	"testing"
	"time"

	"mactable/internal/domain"
)

func TestOVSCommands(t *testing.T) {
	ctrl := domain.ControllerEndpoint{Address: "10.0.2.2", Port: 6653}

	tests := []struct {
		name string
		argv []string
		want string
	}{
		{"add bridge", OVSAddBridge("s1", "0000000000000001", "secure"),
			"ovs-vsctl --may-exist add-br s1 -- set bridge s1 fail-mode=secure other-config:datapath-id=0000000000000001"},
		{"set controller", OVSSetController("s1", ctrl, 6634),
			"ovs-vsctl set-controller s1 tcp:10.0.2.2:6653 ptcp:6634"},
		{"controller only", OVSSetController("s1", ctrl, 0),
			"ovs-vsctl set-controller s1 tcp:10.0.2.2:6653"},
		{"add port", OVSAddPort("s1", "s1-eth1"), "ovs-vsctl --may-exist add-port s1 s1-eth1"},
		{"del bridge", OVSDelBridge("s1"), "ovs-vsctl --if-exists del-br s1"},
		{"veth", VethAdd("s1-eth1", "h1-eth0"), "ip link add s1-eth1 type veth peer name h1-eth0"},
		{"in netns", InNetns("mt-h1", LinkSetAddress("h1-eth0", "aa:aa:aa:aa:aa:01")...),
			"ip netns exec mt-h1 ip link set dev h1-eth0 address aa:aa:aa:aa:aa:01"},
		{"sudo", Sudo(NetnsAdd("mt-h1")), "sudo -n ip netns add mt-h1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(tt.argv, " "); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuote(t *testing.T) {
	got, err := Quote([]string{"ip", "netns", "exec", "mt-h1", "sh", "-c", "echo $HOME; ls"})
	if err != nil {
		t.Fatalf("Quote() error: %v", err)
	}
	if !strings.HasPrefix(got, "ip netns exec mt-h1 sh -c ") {
		t.Errorf("Quote() = %q", got)
	}
	if !strings.Contains(got, "'echo $HOME; ls'") {
		t.Errorf("metacharacters not quoted: %q", got)
	}
}

func TestParseLinkMAC(t *testing.T) {
	out := "2: h1-eth0@if3: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP mode DEFAULT group default qlen 1000\\    link/ether FA:DD:FD:B8:BB:AA brd ff:ff:ff:ff:ff:ff link-netnsid 0"
	mac, err := ParseLinkMAC(out)
	if err != nil {
		t.Fatalf("ParseLinkMAC() error: %v", err)
	}
	if mac != "fa:dd:fd:b8:bb:aa" {
		t.Errorf("mac = %s", mac)
	}
	if _, err := ParseLinkMAC("1: lo: <LOOPBACK> link/loopback 00:00:00:00:00:00"); err == nil {
		t.Error("expected error without link/ether")
	}
}

func TestParseOVSFDB(t *testing.T) {
	out := ` port  VLAN  MAC                Age
    1     0  00:00:00:00:00:01    3
    1     0  fa:dd:fd:b8:bb:aa    1
    2     0  00:00:00:00:00:02    3
LOCAL     0  6a:1f:2c:3d:4e:5f   12
`
	entries := ParseOVSFDB(out, "s1", map[string]string{"1": "s1-eth1", "2": "s1-eth2"})
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[1].Port != "s1-eth1" || entries[1].MAC != "fa:dd:fd:b8:bb:aa" || entries[1].Age != time.Second {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if !entries[3].Local || entries[3].Port != "LOCAL" {
		t.Errorf("entry 3 = %+v", entries[3])
	}
}

func TestParseBridgeFDB(t *testing.T) {
	out := `33:33:00:00:00:01 dev s1-eth1 self permanent
00:00:00:00:00:01 dev s1-eth1 master s1
fa:dd:fd:b8:bb:aa dev s1-eth1 master s1
00:00:00:00:00:02 dev s1-eth2 master s1
8e:11:22:33:44:55 dev s1-eth1 vlan 1 master s1 permanent
01:00:5e:00:00:01 dev s1 self permanent
`
	entries := ParseBridgeFDB(out, "s1")
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].MAC != "00:00:00:00:00:01" || entries[0].Port != "s1-eth1" || entries[0].Local {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if !entries[3].Local {
		t.Errorf("permanent entry should be local: %+v", entries[3])
	}
}

func TestClassifyError(t *testing.T) {
	base := errors.New("exit status 1")

	var unreach *domain.HostUnreachableError
	if err := ClassifyError("h1", "", `Cannot find device "h1-eth0"`, base); !errors.As(err, &unreach) {
		t.Errorf("expected HostUnreachableError, got %T", err)
	}
	if err := ClassifyError("h1", "", "Cannot open network namespace \"mt-h1\": No such file or directory", base); !errors.As(err, &unreach) {
		t.Errorf("expected HostUnreachableError, got %T", err)
	}

	var inv *domain.InvalidAddressError
	err := ClassifyError("h1", "01:00:00:00:00:01", "RTNETLINK answers: Cannot assign requested address", base)
	if !errors.As(err, &inv) || inv.Address != "01:00:00:00:00:01" {
		t.Errorf("expected InvalidAddressError, got %v", err)
	}

	if err := ClassifyError("h1", "", "", base); !errors.Is(err, base) || !errors.As(err, &unreach) {
		t.Errorf("expected HostUnreachableError wrapping base, got %v", err)
	}

	// Unrecognised failures still mean the change was not applied
	for _, stderr := range []string{
		"RTNETLINK answers: Operation not permitted",
		"RTNETLINK answers: Device or resource busy",
		"Process exited with status 255",
	} {
		err := ClassifyError("h1", "fa:dd:fd:b8:bb:aa", stderr, errors.New("exit status 2"))
		if !errors.As(err, &unreach) || unreach.Host != "h1" {
			t.Errorf("%q: expected HostUnreachableError, got %T %v", stderr, err, err)
		}
		if errors.As(err, &inv) {
			t.Errorf("%q: must not be InvalidAddressError", stderr)
		}
	}
	if err := ClassifyError("h1", "", "", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
