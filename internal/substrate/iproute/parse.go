package iproute

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mactable/internal/domain"
)

// ParseLinkMAC extracts the link/ether address from "ip -o link show" output
func ParseLinkMAC(output string) (string, error) {
	fields := strings.Fields(output)
	for i, f := range fields {
		if f == "link/ether" && i+1 < len(fields) {
			return domain.NormalizeMAC(fields[i+1]), nil
		}
	}
	return "", fmt.Errorf("no link/ether address in %q", strings.TrimSpace(output))
}

// ParseOVSFDB parses "ovs-appctl fdb/show" output. ports maps OpenFlow port
// numbers to device names; unknown numbers are kept as-is.
func ParseOVSFDB(output, sw string, ports map[string]string) []domain.ForwardingEntry {
	var entries []domain.ForwardingEntry
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] == "port" {
			continue
		}
		mac := domain.NormalizeMAC(fields[2])
		if !strings.Contains(mac, ":") {
			continue
		}
		e := domain.ForwardingEntry{Switch: sw, Port: fields[0], MAC: mac}
		if e.Port == "LOCAL" {
			e.Local = true
		}
		if name, ok := ports[e.Port]; ok {
			e.Port = name
		}
		if secs, err := strconv.Atoi(fields[3]); err == nil {
			e.Age = time.Duration(secs) * time.Second
		}
		entries = append(entries, e)
	}
	return entries
}

// ParseBridgeFDB parses "bridge fdb show br <bridge>" output, keeping only
// entries learned on or owned by the bridge's ports
func ParseBridgeFDB(output, bridge string) []domain.ForwardingEntry {
	var entries []domain.ForwardingEntry
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		e := domain.ForwardingEntry{Switch: bridge, MAC: domain.NormalizeMAC(fields[0])}
		master := ""
		for i := 1; i < len(fields); i++ {
			switch fields[i] {
			case "dev":
				if i+1 < len(fields) {
					e.Port = fields[i+1]
				}
			case "master":
				if i+1 < len(fields) {
					master = fields[i+1]
				}
			case "permanent":
				e.Local = true
			}
		}
		if master != bridge || e.Port == "" {
			continue
		}
		if strings.HasPrefix(e.MAC, "33:33") || strings.HasPrefix(e.MAC, "01:00:5e") {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// ClassifyError maps iproute2 failure text onto the domain error taxonomy.
// Anything that is not recognisably a bad address means the change could not
// be applied, so it is reported as HostUnreachableError.
func ClassifyError(host, mac, stderr string, err error) error {
	if err == nil && strings.TrimSpace(stderr) == "" {
		return nil
	}
	msg := strings.ToLower(stderr)
	cause := err
	if s := strings.TrimSpace(stderr); s != "" {
		if err != nil && s != err.Error() {
			cause = fmt.Errorf("%s: %w", s, err)
		} else if err == nil {
			cause = errors.New(s)
		}
	}
	switch {
	case strings.Contains(msg, "cannot find device"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "cannot open network namespace"):
		return &domain.HostUnreachableError{Host: host, Err: cause}
	case strings.Contains(msg, "invalid address"),
		strings.Contains(msg, "cannot assign requested address"),
		strings.Contains(msg, "invalid argument"):
		return &domain.InvalidAddressError{Host: host, Address: mac, Reason: strings.TrimSpace(stderr)}
	default:
		return &domain.HostUnreachableError{Host: host, Err: cause}
	}
}
