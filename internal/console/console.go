// Package console is the operator session opened at scenario checkpoints.
// It reads Mininet-style commands until the operator continues or aborts.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"golang.org/x/term"
	"mvdan.cc/sh/v3/shell"

	"mactable/internal/domain"
	"mactable/internal/logging"
	"mactable/internal/substrate"
)

// DefaultPrompt is printed before every command
const DefaultPrompt = "mactable> "

var errRelease = errors.New("release")

type line struct {
	text string
	err  error
}

// Console implements substrate.Operator over a line-oriented reader. The
// same input stream is shared by every checkpoint of a run.
type Console struct {
	out         io.Writer
	prompt      string
	interactive bool
	logger      logging.Logger

	in    *bufio.Reader
	once  sync.Once
	lines chan line
}

var _ substrate.Operator = (*Console)(nil)

// Option configures a Console
type Option func(*Console)

// WithPrompt replaces the prompt
func WithPrompt(p string) Option {
	return func(c *Console) { c.prompt = p }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(c *Console) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a console reading commands from in and writing to out
func New(in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		out:    out,
		prompt: DefaultPrompt,
		logger: logging.Noop(),
		in:     bufio.NewReader(in),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewStdio creates a console on the process's stdin and stdout
func NewStdio(opts ...Option) *Console {
	c := New(os.Stdin, os.Stdout, opts...)
	c.interactive = IsInteractive()
	return c
}

// IsInteractive reports whether stdin is a terminal
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (c *Console) start() {
	c.lines = make(chan line)
	go func() {
		for {
			text, err := c.in.ReadString('\n')
			if text != "" || err == nil {
				c.lines <- line{text: strings.TrimRight(text, "\r\n")}
			}
			if err != nil {
				c.lines <- line{err: err}
				close(c.lines)
				return
			}
		}
	}()
}

func (c *Console) next(ctx context.Context) (string, error) {
	c.once.Do(c.start)
	select {
	case l, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Attend runs the command loop until the operator releases control. It
// returns domain.ErrOperatorAbort on abort and the context error when ctx
// is cancelled. End of input releases.
func (c *Console) Attend(ctx context.Context, n substrate.Network) error {
	if !c.interactive {
		c.logger.Info(ctx, "operator input is not a terminal, reading commands from stream")
	}
	fmt.Fprintln(c.out, "*** Checkpoint: inspect the network, then type 'continue' (or 'abort')")

	for {
		fmt.Fprint(c.out, c.prompt)
		text, err := c.next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out)
				return nil
			}
			return err
		}

		err = c.Exec(ctx, n, text)
		switch {
		case errors.Is(err, errRelease):
			return nil
		case errors.Is(err, domain.ErrOperatorAbort):
			return err
		case err != nil:
			fmt.Fprintf(c.out, "*** %v\n", err)
		}
	}
}

// Exec runs a single command line against n
func (c *Console) Exec(ctx context.Context, n substrate.Network, text string) error {
	args, err := shell.Fields(text, func(string) string { return "" })
	if err != nil {
		return fmt.Errorf("parse %q: %w", text, err)
	}
	if len(args) == 0 {
		return nil
	}

	topo := n.Topology()
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help", "?":
		c.help()
	case "exit", "quit", "continue", "c":
		return errRelease
	case "abort":
		return domain.ErrOperatorAbort
	case "nodes":
		c.nodes(topo)
	case "net":
		fmt.Fprint(c.out, topo.Describe())
	case "dump":
		c.dump(topo)
	case "mac":
		return c.mac(topo, rest)
	case "ping":
		return c.ping(ctx, n, topo, rest)
	case "fdb":
		return c.fdb(ctx, n, rest)
	case "sh":
		if len(rest) < 2 {
			return errors.New("usage: sh <host> <cmd...>")
		}
		return c.sh(ctx, n, topo, rest[0], rest[1:])
	default:
		if topo.Kind(cmd) == domain.NodeKindHost && len(rest) > 0 {
			return c.sh(ctx, n, topo, cmd, rest)
		}
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func (c *Console) help() {
	fmt.Fprint(c.out, `Documented commands:
  nodes                 list nodes
  net                   list links
  dump                  show node addresses
  mac <host>            show the current hardware address of a host
  ping <from> <to>      send one probe (to is a host name or IP)
  fdb [switch]          show the switch MAC learning table
  sh <host> <cmd...>    run a command on a host (also: <host> <cmd...>)
  continue | exit       resume the scenario
  abort                 end the run
`)
}

func (c *Console) nodes(topo *domain.Topology) {
	names := topo.HostNames()
	for _, s := range topo.Switches {
		names = append(names, s.Name)
	}
	if !topo.Controller.IsZero() {
		names = append(names, "c0")
	}
	sort.Strings(names)
	fmt.Fprintf(c.out, "available nodes are: \n%s\n", strings.Join(names, " "))
}

func (c *Console) dump(topo *domain.Topology) {
	for _, h := range topo.Hosts {
		iface := ""
		if l, ok := topo.HostLink(h.Name); ok {
			iface = l.Iface(h.Name)
		}
		fmt.Fprintf(c.out, "<Host %s: %s:%s mac=%s>\n", h.Name, iface, h.Address(), h.MAC)
	}
	for _, s := range topo.Switches {
		var ports []string
		for _, l := range topo.SwitchPorts(s.Name) {
			ports = append(ports, l.Iface(s.Name))
		}
		fmt.Fprintf(c.out, "<Switch %s: %s dpid=%s listen=%d>\n", s.Name, strings.Join(ports, ","), s.DPID, s.ListenPort)
	}
	if !topo.Controller.IsZero() {
		fmt.Fprintf(c.out, "<RemoteController c0: %s>\n", topo.Controller.HostPort())
	}
}

func (c *Console) mac(topo *domain.Topology, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mac <host>")
	}
	h, ok := topo.Host(args[0])
	if !ok {
		return fmt.Errorf("unknown host %s", args[0])
	}
	fmt.Fprintln(c.out, h.MAC)
	return nil
}

func (c *Console) ping(ctx context.Context, n substrate.Network, topo *domain.Topology, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: ping <from> <to>")
	}
	from, to := args[0], args[1]
	if _, ok := topo.Host(from); !ok {
		return fmt.Errorf("unknown host %s", from)
	}
	addr := to
	if h, ok := topo.Host(to); ok {
		addr = h.Address()
	}

	out, err := n.Probe(ctx, from, addr)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if out.Success {
		fmt.Fprintf(c.out, "%s -> %s (%s): reply in %s\n", from, to, addr, out.Latency)
	} else {
		fmt.Fprintf(c.out, "%s -> %s (%s): X %s\n", from, to, addr, out.Detail)
	}
	return nil
}

func (c *Console) fdb(ctx context.Context, n substrate.Network, args []string) error {
	reader, ok := n.(substrate.ForwardingTableReader)
	if !ok {
		return fmt.Errorf("fdb: %w", substrate.ErrUnsupported)
	}
	sw := ""
	if len(args) > 0 {
		sw = args[0]
	}
	entries, err := reader.ForwardingTable(ctx, sw)
	if err != nil {
		return fmt.Errorf("fdb: %w", err)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tMAC\tAGE")
	for _, e := range entries {
		age := fmt.Sprintf("%.0fs", e.Age.Seconds())
		if e.Local {
			age = "local"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Port, e.MAC, age)
	}
	return tw.Flush()
}

func (c *Console) sh(ctx context.Context, n substrate.Network, topo *domain.Topology, host string, argv []string) error {
	runner, ok := n.(substrate.CommandRunner)
	if !ok {
		return fmt.Errorf("sh: %w", substrate.ErrUnsupported)
	}
	if _, ok := topo.Host(host); !ok {
		return fmt.Errorf("unknown host %s", host)
	}
	out, err := runner.Exec(ctx, host, argv...)
	fmt.Fprint(c.out, out)
	if out != "" && !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(c.out)
	}
	return err
}
