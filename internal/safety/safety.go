// Package safety screens webhook destination URLs before any network I/O.
//
// A tenant-configured destination is attacker-influenced input: left
// unchecked it can be pointed at loopback services, the deploying
// organization's private network, or a cloud metadata endpoint. Every
// destination must pass Validate before a request is built or a delivery
// record is created.
package safety

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// metadataHosts are well-known cloud metadata service hostnames that must
// never be webhook destinations, independent of what they resolve to.
var metadataHosts = map[string]bool{
	"metadata.google.internal":  true,
	"metadata.goog":             true,
	"instance-data":             true,
	"instance-data.ec2.internal": true,
}

// Validator checks destination URLs against blocked address space.
type Validator struct {
	lookup func(host string) ([]net.IP, error)
}

// New returns a Validator that resolves hostnames with the system resolver.
func New() *Validator {
	return &Validator{lookup: net.LookupIP}
}

// NewWithLookup returns a Validator with a custom resolver, used by tests
// to avoid real DNS.
func NewWithLookup(lookup func(host string) ([]net.IP, error)) *Validator {
	return &Validator{lookup: lookup}
}

// Validate reports whether raw is a safe webhook destination. On rejection
// the second return value holds a short human-readable reason.
func (v *Validator) Validate(raw string) (bool, string) {
	return v.validate(raw, false)
}

// ValidateForTesting is Validate with the loopback check relaxed when
// allowLocalhost is set, so test harnesses can deliver to local servers.
// Private-network and metadata blocks stay active regardless: a test
// configuration must never grant access to internal address space.
func (v *Validator) ValidateForTesting(raw string, allowLocalhost bool) (bool, string) {
	return v.validate(raw, allowLocalhost)
}

func (v *Validator) validate(raw string, allowLoopback bool) (bool, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, fmt.Sprintf("unparseable url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false, fmt.Sprintf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return false, "empty hostname"
	}
	if metadataHosts[strings.ToLower(strings.TrimSuffix(host, "."))] {
		return false, fmt.Sprintf("metadata service hostname %q", host)
	}

	// Literal IPs skip resolution entirely.
	if ip := net.ParseIP(host); ip != nil {
		if reason := blockedIP(ip, allowLoopback); reason != "" {
			return false, reason
		}
		return true, ""
	}

	ips, err := v.lookup(host)
	if err != nil {
		return false, fmt.Sprintf("hostname %q did not resolve: %v", host, err)
	}
	if len(ips) == 0 {
		return false, fmt.Sprintf("hostname %q resolved to no addresses", host)
	}
	// Reject if ANY resolved address is blocked; a multi-record answer
	// mixing public and private addresses is a rebinding-style dodge.
	for _, ip := range ips {
		if reason := blockedIP(ip, allowLoopback); reason != "" {
			return false, fmt.Sprintf("hostname %q resolves to %s: %s", host, ip, reason)
		}
	}
	return true, ""
}

// blockedIP returns a non-empty reason when ip falls in address space that
// webhook traffic must not reach: loopback (127.0.0.0/8, ::1), RFC1918
// private ranges (10/8, 172.16/12, 192.168/16), link-local
// (169.254.0.0/16, fe80::/10), or the unspecified address.
func blockedIP(ip net.IP, allowLoopback bool) string {
	switch {
	case ip.IsLoopback():
		if allowLoopback {
			return ""
		}
		return "loopback address"
	case ip.IsPrivate():
		return "private network address"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local address"
	case ip.IsUnspecified():
		return "unspecified address"
	}
	return ""
}
