package securefetch

import (
	"net"
	"strings"
)

// blockedV4 lists every IPv4 range a plugin fetch may never reach. The list
// is deny-by-range rather than allow-by-range: anything routable and public
// passes, everything with local or reserved meaning does not.
var blockedV4 = []string{
	"0.0.0.0/8",      // "this network"
	"10.0.0.0/8",     // RFC 1918
	"100.64.0.0/10",  // CGNAT
	"127.0.0.0/8",    // loopback
	"169.254.0.0/16", // link-local
	"172.16.0.0/12",  // RFC 1918
	"192.0.0.0/24",   // IETF protocol assignments
	"192.168.0.0/16", // RFC 1918
	"198.18.0.0/15",  // benchmarking
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
}

var blockedV6 = []string{
	"::1/128",        // loopback
	"::/128",         // unspecified
	"100::/64",       // discard-only
	"2001::/32",      // Teredo
	"fc00::/7",       // ULA
	"fe80::/10",      // link-local
	"ff00::/8",       // multicast
	// IPv4-mapped addresses are matched against blockedV4: net.IP stores
	// them in the same form as plain IPv4, so a ::ffff:0:0/96 entry here
	// would match every IPv4 address.
	"64:ff9b::/96",   // NAT64, maps the IPv4 space
}

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range append(append([]string{}, blockedV4...), blockedV6...) {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("securefetch: bad builtin cidr " + cidr)
		}
		blockedNets = append(blockedNets, ipNet)
	}
}

// IsBlockedIP reports whether the address must never be dialled. net.IPNet
// normalises IPv4-mapped IPv6 addresses, so a mapped 127.0.0.1 matches the
// v4 loopback range. Mapped literals in URLs are additionally rejected at
// parse time regardless of the wrapped address.
func IsBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsMappedLiteral reports whether host is an IPv6 literal wrapping an IPv4
// address, e.g. "::ffff:8.8.8.8". Those bypass classification expectations
// on some stacks and are rejected outright.
func IsMappedLiteral(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return len(ip) == net.IPv6len && ip.To4() != nil && strings.Contains(host, ":")
}
