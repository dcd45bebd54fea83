package preflight

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/Ullaakut/nmap/v3"
)

// System is the slice of the host the probes look at
type System interface {
	Geteuid() int
	Username() (string, error)
	LookPath(file string) (string, error)
	Run(ctx context.Context, argv ...string) (string, error)
	// ListScan resolves target with an nmap list scan; it sends no packets
	ListScan(ctx context.Context, target string) error
	// Writable reports whether a file can be created in dir
	Writable(dir string) error
	ReadFile(path string) ([]byte, error)
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
}

// HostSystem returns the System backed by this machine
func HostSystem() System {
	return hostSystem{}
}

type hostSystem struct{}

func (hostSystem) Geteuid() int { return os.Geteuid() }

func (hostSystem) Username() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func (hostSystem) LookPath(file string) (string, error) { return exec.LookPath(file) }

func (hostSystem) Run(ctx context.Context, argv ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return out.String(), nil
}

func (hostSystem) ListScan(ctx context.Context, target string) error {
	scanner, err := nmap.NewScanner(ctx,
		nmap.WithTargets(target),
		nmap.WithListScan(),
		nmap.WithDisabledDNSResolution(),
	)
	if err != nil {
		return err
	}
	result, warnings, err := scanner.Run()
	if err != nil {
		return err
	}
	if warnings != nil && len(*warnings) > 0 && len(result.Hosts) == 0 {
		return fmt.Errorf("nmap: %s", strings.Join(*warnings, "; "))
	}
	if len(result.Hosts) == 0 {
		return fmt.Errorf("nmap list scan of %s returned no hosts", target)
	}
	return nil
}

func (hostSystem) Writable(dir string) error {
	f, err := os.CreateTemp(dir, ".mactable-preflight-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

func (hostSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (hostSystem) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
