// Package hostutil validates network addresses taken from configuration.
package hostutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// ValidateHostPort checks a "host:port" address. An empty host (":8080")
// is accepted and means all interfaces.
func ValidateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("bad address '%s': %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("bad port in '%s'", addr)
	}
	if host == "" {
		return nil
	}
	return ValidateHost(host)
}

// ValidateHost checks an IP literal or an RFC 1123 host name.
func ValidateHost(raw string) error {
	if looksLikeIP(raw) {
		if net.ParseIP(raw) == nil {
			return fmt.Errorf("bad IP: '%s'", raw)
		}
		return nil
	}
	if !validHostname(raw) {
		return fmt.Errorf("bad hostname: '%s'", raw)
	}
	return nil
}

// looksLikeIP: an IPv6 literal or an all-digit dotted quad.
func looksLikeIP(raw string) bool {
	if strings.Contains(raw, ":") {
		return true
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.IndexFunc(p, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
			return false
		}
	}
	return true
}

func validHostname(raw string) bool {
	if raw == "" || len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(raw, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return false
			}
		}
	}
	return true
}
