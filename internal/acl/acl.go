// Package acl restricts which peers may connect to an inbound listener.
package acl

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// List is a set of allowed networks. An empty List allows every address.
type List struct {
	prefixes []netip.Prefix
}

// New creates a new ACL from a comma-separated string of CIDR blocks
func New(cidrs string) (*List, error) {
	if strings.TrimSpace(cidrs) == "" {
		return &List{}, nil
	}

	var prefixes []netip.Prefix
	for _, part := range strings.Split(cidrs, ",") {
		p, err := netip.ParsePrefix(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", strings.TrimSpace(part), err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return &List{prefixes: prefixes}, nil
}

// Len returns the number of configured networks.
func (l *List) Len() int {
	return len(l.prefixes)
}

// Allows reports whether ip falls inside one of the configured networks.
// IPv4-mapped IPv6 addresses are matched as IPv4.
func (l *List) Allows(ip net.IP) bool {
	if len(l.prefixes) == 0 {
		return true
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()

	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

// AllowsAddr is Allows for a connection's remote address.
func (l *List) AllowsAddr(a net.Addr) bool {
	if len(l.prefixes) == 0 {
		return true
	}

	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return false
	}
	return l.Allows(tcp.IP)
}
