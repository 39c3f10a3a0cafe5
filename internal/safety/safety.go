// Package safety implements the outbound URL allow-list that guards the
// download engine against server-side request forgery: before any segment,
// key, or playlist fetch, the target host is resolved and every address it
// maps to is checked against loopback, link-local, private, and reserved
// ranges.
package safety

import (
	"context"
	"net"
	"net/url"
	"time"
)

// Resolver is the subset of *net.Resolver used by the filter. Tests
// substitute a fake to avoid touching the real DNS system.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Filter decides whether outbound requests to a given URL are safe to make.
type Filter struct {
	resolver Resolver
	timeout  time.Duration
}

// New returns a Filter backed by the system resolver.
func New() *Filter {
	return &Filter{
		resolver: net.DefaultResolver,
		timeout:  5 * time.Second,
	}
}

// NewWithResolver returns a Filter backed by the given resolver, for testing.
func NewWithResolver(r Resolver) *Filter {
	return &Filter{resolver: r, timeout: 5 * time.Second}
}

// IsSafe reports whether rawURL's host resolves exclusively to public,
// globally-routable addresses. Any resolution failure, empty host, or
// mixed answer set containing even one private/reserved address is unsafe.
func (f *Filter) IsSafe(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if host == "" {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		return isPublic(ip)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return false
	}

	for _, addr := range addrs {
		if !isPublic(addr.IP) {
			return false
		}
	}
	return true
}

// isPublic classifies a single address, rejecting loopback, link-local,
// private, multicast, unspecified, and other IANA-reserved ranges.
func isPublic(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified(),
		ip.IsPrivate():
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		return !in4(ip4, reservedIPv4)
	}
	return !in6(ip, reservedIPv6)
}

// reservedIPv4 lists IANA special-purpose blocks beyond what net.IP already
// classifies as loopback/link-local/private/multicast: 0.0.0.0/8 (this
// network), 100.64.0.0/10 (carrier-grade NAT), 192.0.0.0/24, 192.0.2.0/24,
// 198.18.0.0/15, 198.51.100.0/24, 203.0.113.0/24, 240.0.0.0/4 (reserved),
// 255.255.255.255/32 (limited broadcast).
var reservedIPv4 = []*net.IPNet{
	mustCIDR("0.0.0.0/8"),
	mustCIDR("100.64.0.0/10"),
	mustCIDR("192.0.0.0/24"),
	mustCIDR("192.0.2.0/24"),
	mustCIDR("198.18.0.0/15"),
	mustCIDR("198.51.100.0/24"),
	mustCIDR("203.0.113.0/24"),
	mustCIDR("240.0.0.0/4"),
	mustCIDR("255.255.255.255/32"),
}

// reservedIPv6 lists documentation and benchmarking ranges beyond fc00::/7
// (unique local, covered by IsPrivate) and fe80::/10 (covered by
// IsLinkLocalUnicast): 2001:db8::/32 (documentation), 100::/64 (discard).
var reservedIPv6 = []*net.IPNet{
	mustCIDR("2001:db8::/32"),
	mustCIDR("100::/64"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func in4(ip net.IP, ranges []*net.IPNet) bool {
	for _, r := range ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func in6(ip net.IP, ranges []*net.IPNet) bool {
	for _, r := range ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}
