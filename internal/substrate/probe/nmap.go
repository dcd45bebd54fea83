package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"

	"mactable/internal/domain"
)

// NmapPinger runs single-target nmap ping scans
type NmapPinger struct {
	binaryPath string
	privileged bool
	timeout    time.Duration
}

// NmapOption is a functional option for configuring NmapPinger
type NmapOption func(*NmapPinger)

// WithBinaryPath overrides the nmap binary location
func WithBinaryPath(path string) NmapOption {
	return func(p *NmapPinger) {
		p.binaryPath = path
	}
}

// WithPrivileged tells nmap it may use raw sockets, enabling ARP pings on the
// local segment so the responder MAC is reported
func WithPrivileged(enabled bool) NmapOption {
	return func(p *NmapPinger) {
		p.privileged = enabled
	}
}

// WithTimeout bounds a single scan
func WithTimeout(d time.Duration) NmapOption {
	return func(p *NmapPinger) {
		p.timeout = d
	}
}

// NewNmapPinger creates a pinger
func NewNmapPinger(opts ...NmapOption) *NmapPinger {
	p := &NmapPinger{
		privileged: true,
		timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ping scans target and reports whether it answered
func (p *NmapPinger) Ping(ctx context.Context, from, target string) (domain.ProbeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPingScan(),
		nmap.WithDisabledDNSResolution(),
	}
	if p.binaryPath != "" {
		opts = append(opts, nmap.WithBinaryPath(p.binaryPath))
	}
	if p.privileged {
		opts = append(opts, nmap.WithPrivileged())
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return domain.ProbeOutcome{}, fmt.Errorf("failed to create scanner: %w", err)
	}

	start := time.Now()
	result, warnings, err := scanner.Run()
	elapsed := time.Since(start)
	if err != nil {
		return domain.ProbeOutcome{}, fmt.Errorf("scan failed: %w", err)
	}

	out := OutcomeFromRun(result, from, target)
	if out.Success {
		out.Latency = elapsed
	}
	if warnings != nil && len(*warnings) > 0 && out.Detail == "" {
		out.Detail = strings.Join(*warnings, "; ")
	}
	return out, nil
}

// PingScanArgs returns the argv for running the same scan as a remote
// command, with XML written to stdout for ParseScan
func PingScanArgs(target string) []string {
	return []string{"nmap", "-sn", "-n", "-oX", "-", target}
}

// ParseScan decodes nmap XML output into an outcome
func ParseScan(data []byte, from, target string) (domain.ProbeOutcome, error) {
	result := &nmap.Run{}
	if err := nmap.Parse(data, result); err != nil {
		return domain.ProbeOutcome{}, fmt.Errorf("parse nmap output: %w", err)
	}
	return OutcomeFromRun(result, from, target), nil
}

// OutcomeFromRun converts scan results for a single target
func OutcomeFromRun(result *nmap.Run, from, target string) domain.ProbeOutcome {
	out := domain.ProbeOutcome{
		From:      from,
		ToAddress: target,
		Method:    domain.ProbeMethodNmap,
		At:        time.Now(),
	}
	if result == nil {
		out.Detail = "nil scan result"
		return out
	}

	for _, host := range result.Hosts {
		if !hostHasAddress(host, target) {
			continue
		}
		if host.Status.State != "up" {
			out.Detail = "host " + host.Status.State
			return out
		}
		out.Success = true
		out.Detail = host.Status.Reason
		for _, addr := range host.Addresses {
			if addr.AddrType == "mac" {
				out.ObservedMAC = domain.NormalizeMAC(addr.Addr)
			}
		}
		return out
	}

	out.Detail = "host down"
	return out
}

func hostHasAddress(host nmap.Host, target string) bool {
	for _, addr := range host.Addresses {
		if addr.AddrType == "ipv4" && addr.Addr == target {
			return true
		}
	}
	return false
}
