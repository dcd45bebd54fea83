package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"mactable/internal/domain"
	"mactable/internal/substrate"
	"mactable/internal/substrate/sim"
	"mactable/internal/topology"
)

func newSimNetwork(t *testing.T) substrate.Network {
	t.Helper()
	n, err := sim.New().Instantiate(context.Background(), topology.MacTableAttack())
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	t.Cleanup(func() { n.Teardown(context.Background()) })
	return n
}

func TestAttendRelease(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"continue", "continue\n"},
		{"exit", "exit\n"},
		{"eof", ""},
		{"eof without newline", "nodes"},
		{"after commands", "nodes\nnet\n\ncontinue\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c := New(strings.NewReader(tt.input), &out)
			if err := c.Attend(context.Background(), newSimNetwork(t)); err != nil {
				t.Errorf("Attend() error = %v, want nil", err)
			}
			if !strings.Contains(out.String(), DefaultPrompt) {
				t.Errorf("output missing prompt: %q", out.String())
			}
		})
	}
}

func TestAttendAbort(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("abort\n"), &out)
	err := c.Attend(context.Background(), newSimNetwork(t))
	if !errors.Is(err, domain.ErrOperatorAbort) {
		t.Errorf("Attend() error = %v, want ErrOperatorAbort", err)
	}
}

func TestAttendSharesInputAcrossCheckpoints(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("continue\nmac h1\ncontinue\n"), &out)
	n := newSimNetwork(t)

	for i := 0; i < 2; i++ {
		if err := c.Attend(context.Background(), n); err != nil {
			t.Fatalf("Attend() #%d error = %v", i+1, err)
		}
	}
	if !strings.Contains(out.String(), "00:00:00:00:00:01") {
		t.Errorf("second session did not run mac command: %q", out.String())
	}
}

func TestAttendContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	c := New(r, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Attend(ctx, newSimNetwork(t)) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Attend() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attend() did not return after cancel")
	}
}

func TestExecCommands(t *testing.T) {
	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{line: "nodes", want: "c0 h1 h2 s1"},
		{line: "net", want: "h1 h1-eth0:s1-eth1"},
		{line: "dump", want: "<Host h1: h1-eth0:10.0.0.1 mac=00:00:00:00:00:01>"},
		{line: "dump", want: "<RemoteController c0: 10.0.2.2:6653>"},
		{line: "mac h2", want: "00:00:00:00:00:02"},
		{line: "mac", wantErr: true},
		{line: "mac h9", wantErr: true},
		{line: "ping h1 h2", want: "h1 -> h2 (10.0.0.2): reply"},
		{line: "ping h2 10.0.0.1", want: "h2 -> 10.0.0.1 (10.0.0.1): reply"},
		{line: "ping h1", wantErr: true},
		{line: "fdb", want: "PORT"},
		{line: "sh h1 arp -n", want: ""},
		{line: "h1 ifconfig", want: "h1-eth0: link/ether 00:00:00:00:00:01"},
		{line: "sh h1", wantErr: true},
		{line: "sh h1 'unterminated", wantErr: true},
		{line: "help", want: "continue | exit"},
		{line: "bogus", wantErr: true},
	}

	n := newSimNetwork(t)
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			var out bytes.Buffer
			c := New(strings.NewReader(""), &out)
			err := c.Exec(context.Background(), n, tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Exec(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(out.String(), tt.want) {
				t.Errorf("Exec(%q) output = %q, want substring %q", tt.line, out.String(), tt.want)
			}
		})
	}
}

func TestExecReleaseAndAbort(t *testing.T) {
	n := newSimNetwork(t)
	c := New(strings.NewReader(""), io.Discard)

	if err := c.Exec(context.Background(), n, "continue"); !errors.Is(err, errRelease) {
		t.Errorf("continue: error = %v, want release", err)
	}
	if err := c.Exec(context.Background(), n, "abort"); !errors.Is(err, domain.ErrOperatorAbort) {
		t.Errorf("abort: error = %v, want ErrOperatorAbort", err)
	}
	if err := c.Exec(context.Background(), n, "   "); err != nil {
		t.Errorf("blank line: error = %v", err)
	}
}

// bareNetwork lacks the optional capabilities
type bareNetwork struct{ substrate.Network }

func TestExecUnsupported(t *testing.T) {
	n := bareNetwork{newSimNetwork(t)}
	c := New(strings.NewReader(""), io.Discard)

	for _, line := range []string{"fdb", "sh h1 ifconfig"} {
		err := c.Exec(context.Background(), n, line)
		if !errors.Is(err, substrate.ErrUnsupported) {
			t.Errorf("Exec(%q) error = %v, want ErrUnsupported", line, err)
		}
	}
}
