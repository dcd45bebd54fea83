package domain

import (
	"bytes"
	"net"
	"strings"
)

// ParseHardwareAddr validates a unicast 48-bit MAC and returns it normalised
// to lowercase colon form. Multicast, broadcast and all-zero addresses cannot
// be assigned to an interface and are rejected.
func ParseHardwareAddr(s string) (net.HardwareAddr, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, &InvalidAddressError{Address: s, Reason: "empty address"}
	}
	// net.ParseMAC also accepts dotted and 20-octet forms; only EUI-48 with
	// colon or hyphen separators is meaningful for an Ethernet interface.
	if strings.Contains(trimmed, ".") {
		return nil, &InvalidAddressError{Address: s, Reason: "expected colon separated octets"}
	}
	hw, err := net.ParseMAC(trimmed)
	if err != nil {
		return nil, &InvalidAddressError{Address: s, Reason: "not a MAC address"}
	}
	if len(hw) != 6 {
		return nil, &InvalidAddressError{Address: s, Reason: "expected 6 octets"}
	}
	if bytes.Equal(hw, make(net.HardwareAddr, 6)) {
		return nil, &InvalidAddressError{Address: s, Reason: "all-zero address"}
	}
	if hw[0]&0x01 != 0 {
		return nil, &InvalidAddressError{Address: s, Reason: "multicast or broadcast address"}
	}
	return hw, nil
}

// NormalizeMAC returns the canonical form of s, or s unchanged if it does not parse
func NormalizeMAC(s string) string {
	hw, err := ParseHardwareAddr(s)
	if err != nil {
		return s
	}
	return hw.String()
}

// SameMAC compares two MAC strings ignoring case and separator style
func SameMAC(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return NormalizeMAC(a) == NormalizeMAC(b)
}
