package packet

import (
	"fmt"
	"net/netip"
)

// Family selects IPv4 or IPv6 packet layouts.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Protocol returns the IANA protocol number of the family's ICMP variant.
func (f Family) Protocol() int {
	if f == IPv6 {
		return protoICMPv6
	}
	return protoICMPv4
}

// Matches reports whether addr belongs to the family.
func (f Family) Matches(addr netip.Addr) bool {
	if f == IPv6 {
		return addr.Is6() && !addr.Is4In6()
	}
	return addr.Is4() || addr.Is4In6()
}

// FamilyOf returns the family of addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return IPv4
	}
	return IPv6
}

const (
	protoICMPv4 = 1
	protoICMPv6 = 58

	icmpEchoRequest     = 8
	icmpTimeExceeded    = 11
	icmpv6EchoRequest   = 128
	icmpv6TimeExceeded  = 3
	icmpHeaderLen       = 8
	ipv4HeaderLen       = 20
	ipv6HeaderLen       = 40
	ipv4DontFragment    = 0x4000
	ipv4HeaderLenWords  = 5
	ipv6VersionTraffic0 = 0x60
)
