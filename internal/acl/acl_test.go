package acl

import (
	"net"
	"testing"
)

func TestNew_Empty(t *testing.T) {
	for _, in := range []string{"", "   \t\n  "} {
		list, err := New(in)
		if err != nil {
			t.Fatalf("New(%q) should succeed: %v", in, err)
		}
		if list.Len() != 0 {
			t.Errorf("expected no networks, got %d", list.Len())
		}
	}
}

func TestNew_MultipleCIDRs(t *testing.T) {
	list, err := New(" 192.168.1.0/24 , 10.0.0.0/8 ,  172.16.0.0/12  ")
	if err != nil {
		t.Fatalf("New with multiple CIDRs should succeed: %v", err)
	}

	expected := []string{"192.168.1.0/24", "10.0.0.0/8", "172.16.0.0/12"}
	if list.Len() != len(expected) {
		t.Fatalf("expected %d networks, got %d", len(expected), list.Len())
	}
	for i, want := range expected {
		if got := list.prefixes[i].String(); got != want {
			t.Errorf("expected CIDR %q at index %d, got %q", want, i, got)
		}
	}
}

func TestNew_MasksHostBits(t *testing.T) {
	list, err := New("192.168.1.77/24")
	if err != nil {
		t.Fatalf("New should succeed: %v", err)
	}
	if got := list.prefixes[0].String(); got != "192.168.1.0/24" {
		t.Errorf("expected masked prefix, got %q", got)
	}
}

func TestNew_InvalidCIDR(t *testing.T) {
	invalidCIDRs := []string{
		"invalid-cidr",
		"192.168.1.256/24",
		"192.168.1.1/33",
		"192.168.1.1",
		"192.168.1.0/24,invalid,10.0.0.0/8",
	}

	for _, cidr := range invalidCIDRs {
		if _, err := New(cidr); err == nil {
			t.Errorf("New with invalid CIDR %q should fail", cidr)
		}
	}
}

func TestAllows(t *testing.T) {
	tests := []struct {
		name     string
		cidrs    string
		allowed  []string
		rejected []string
	}{
		{
			name:    "empty list allows all",
			cidrs:   "",
			allowed: []string{"192.168.1.1", "8.8.8.8", "::1"},
		},
		{
			name:     "single IPv4",
			cidrs:    "192.168.1.0/24",
			allowed:  []string{"192.168.1.1", "192.168.1.254"},
			rejected: []string{"192.168.2.1", "10.0.0.1"},
		},
		{
			name:     "multiple IPv4",
			cidrs:    "192.168.1.0/24,10.0.0.0/8",
			allowed:  []string{"192.168.1.1", "10.255.255.254"},
			rejected: []string{"172.16.0.1", "8.8.8.8"},
		},
		{
			name:     "IPv6",
			cidrs:    "2001:db8::/32",
			allowed:  []string{"2001:db8::1", "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff"},
			rejected: []string{"2001:db9::1", "::1"},
		},
		{
			name:     "mixed",
			cidrs:    "192.168.1.0/24,2001:db8::/32",
			allowed:  []string{"192.168.1.1", "2001:db8::1", "::ffff:192.168.1.9"},
			rejected: []string{"10.0.0.1", "2001:db9::1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := New(tt.cidrs)
			if err != nil {
				t.Fatalf("failed to create ACL: %v", err)
			}

			for _, ipStr := range tt.allowed {
				if !list.Allows(net.ParseIP(ipStr)) {
					t.Errorf("ACL should allow %s", ipStr)
				}
			}
			for _, ipStr := range tt.rejected {
				if list.Allows(net.ParseIP(ipStr)) {
					t.Errorf("ACL should reject %s", ipStr)
				}
			}
		})
	}
}

func TestAllows_InvalidIP(t *testing.T) {
	list, _ := New("10.0.0.0/8")
	if list.Allows(nil) {
		t.Error("ACL should reject a nil IP")
	}
}

func TestAllowsAddr(t *testing.T) {
	list, _ := New("127.0.0.0/8")

	if !list.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}) {
		t.Error("expected loopback to be allowed")
	}
	if list.AllowsAddr(&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5000}) {
		t.Error("expected 10.1.2.3 to be rejected")
	}
	if list.AllowsAddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}) {
		t.Error("expected non-TCP address to be rejected")
	}

	open, _ := New("")
	if !open.AllowsAddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}) {
		t.Error("empty ACL should allow any address")
	}
}
