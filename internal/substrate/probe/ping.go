// Package probe holds the probe plumbing shared by the real substrates:
// building and parsing single-shot ping invocations and nmap ping scans.
package probe

import (
	"regexp"
	"strconv"
	"time"

	"mactable/internal/domain"
)

var (
	latencyRe  = regexp.MustCompile(`time[=<](\d+\.?\d*)\s*ms`)
	receivedRe = regexp.MustCompile(`(\d+) (?:packets )?received`)
)

// PingArgs returns the argv for a single echo request bounded by timeout
func PingArgs(address string, timeout time.Duration) []string {
	sec := int(timeout.Seconds())
	if sec < 1 {
		sec = 1
	}
	return []string{"ping", "-c", "1", "-n", "-W", strconv.Itoa(sec), address}
}

// ParsePing extracts whether a reply arrived and its round-trip time
func ParsePing(output []byte) (bool, time.Duration) {
	received := false
	if m := receivedRe.FindSubmatch(output); len(m) >= 2 {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > 0 {
			received = true
		}
	}

	if m := latencyRe.FindSubmatch(output); len(m) >= 2 {
		if ms, err := strconv.ParseFloat(string(m[1]), 64); err == nil {
			return true, time.Duration(ms * float64(time.Millisecond))
		}
	}
	return received, 0
}

// PingOutcome builds a ProbeOutcome from ping output. A non-zero exit from
// ping only means no reply, so runErr is folded into the detail.
func PingOutcome(from, toAddress string, output []byte, runErr error) domain.ProbeOutcome {
	out := domain.ProbeOutcome{
		From:      from,
		ToAddress: toAddress,
		Method:    domain.ProbeMethodICMP,
		At:        time.Now(),
	}
	out.Success, out.Latency = ParsePing(output)
	if !out.Success {
		out.Detail = "no echo reply"
		if runErr != nil {
			out.Detail = "no echo reply: " + runErr.Error()
		}
	}
	return out
}
