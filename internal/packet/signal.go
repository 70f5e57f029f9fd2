package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// SignalLenV4 is the ICMP payload size of an IPv4 TTL-exceeded signal:
	// outer ICMP header, embedded IPv4 header, embedded echo probe.
	SignalLenV4 = icmpHeaderLen + ipv4HeaderLen + EchoProbeLen

	// SignalLenV6 is the ICMPv6 payload size of an IPv6 TTL-exceeded signal.
	SignalLenV6 = icmpHeaderLen + ipv6HeaderLen + EchoProbeLen
)

// SignalLen returns the exact ICMP payload size of a signal for family.
func SignalLen(family Family) int {
	if family == IPv6 {
		return SignalLenV6
	}
	return SignalLenV4
}

// BuildTTLExceeded wraps probe in an ICMP Time Exceeded message as a router
// would emit it for an expired datagram from source to dest.
//
// For IPv4 both the embedded IP header checksum and the outer ICMP checksum
// are filled in. For IPv6 the outer checksum is left zero because the sending
// stack computes it over its own pseudo-header.
func BuildTTLExceeded(probe []byte, source, dest netip.Addr, family Family) ([]byte, error) {
	if len(probe) != EchoProbeLen {
		return nil, fmt.Errorf("%w: probe is %d bytes, want %d", ErrMalformedSignal, len(probe), EchoProbeLen)
	}
	if !family.Matches(source) || !family.Matches(dest) {
		return nil, fmt.Errorf("%w: addresses %s -> %s are not %s", ErrAddressFamily, source, dest, family)
	}

	if family == IPv6 {
		b := make([]byte, SignalLenV6)
		b[0] = icmpv6TimeExceeded
		b[1] = 0

		ip := b[icmpHeaderLen : icmpHeaderLen+ipv6HeaderLen]
		ip[0] = ipv6VersionTraffic0
		binary.BigEndian.PutUint16(ip[4:6], EchoProbeLen)
		ip[6] = protoICMPv6
		ip[7] = 1 // hop limit
		src := source.As16()
		dst := dest.As16()
		copy(ip[8:24], src[:])
		copy(ip[24:40], dst[:])

		copy(b[icmpHeaderLen+ipv6HeaderLen:], probe)
		return b, nil
	}

	b := make([]byte, SignalLenV4)
	b[0] = icmpTimeExceeded
	b[1] = 0

	ip := b[icmpHeaderLen : icmpHeaderLen+ipv4HeaderLen]
	ip[0] = 4<<4 | ipv4HeaderLenWords
	binary.BigEndian.PutUint16(ip[2:4], ipv4HeaderLen+EchoProbeLen)
	binary.BigEndian.PutUint16(ip[6:8], ipv4DontFragment)
	ip[8] = 1 // ttl
	ip[9] = protoICMPv4
	src := source.Unmap().As4()
	dst := dest.Unmap().As4()
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	putChecksum(ip, 10)

	copy(b[icmpHeaderLen+ipv4HeaderLen:], probe)
	putChecksum(b, 2)
	return b, nil
}

// ParseTTLExceeded validates a received signal and extracts the client id.
//
// For IPv4, raw is the whole datagram as read from a raw socket, starting with
// the IP header of the datagram itself; its header length field decides where
// the ICMP message begins. For IPv6, raw socket reads carry no IP header and
// raw starts at the ICMPv6 header.
//
// The datagram is accepted only when its size is exact, the outer type is Time
// Exceeded, the embedded IP header has no options (IPv4), the embedded echo is
// a probe, and the expired datagram was addressed to echoDest. from is the
// sender of the datagram and becomes the id's address.
func ParseTTLExceeded(raw []byte, from netip.Addr, family Family, echoDest netip.Addr) (ClientID, bool) {
	var msg []byte
	if family == IPv6 {
		msg = raw
	} else {
		if len(raw) < ipv4HeaderLen || raw[0]>>4 != 4 {
			return ClientID{}, false
		}
		hl := int(raw[0]&0x0f) * 4
		if hl < ipv4HeaderLen || len(raw) != hl+SignalLenV4 {
			return ClientID{}, false
		}
		msg = raw[hl:]
	}
	return parseSignal(msg, from, family, echoDest)
}

// ParseSignal is ParseTTLExceeded for a message that already has any outer
// IP header removed.
func ParseSignal(msg []byte, from netip.Addr, family Family, echoDest netip.Addr) (ClientID, bool) {
	return parseSignal(msg, from, family, echoDest)
}

func parseSignal(msg []byte, from netip.Addr, family Family, echoDest netip.Addr) (ClientID, bool) {
	if len(msg) != SignalLen(family) {
		return ClientID{}, false
	}

	var probe []byte
	if family == IPv6 {
		if msg[0] != icmpv6TimeExceeded {
			return ClientID{}, false
		}
		ip := msg[icmpHeaderLen : icmpHeaderLen+ipv6HeaderLen]
		if ip[0]>>4 != 6 || ip[6] != protoICMPv6 {
			return ClientID{}, false
		}
		dst, _ := netip.AddrFromSlice(ip[24:40])
		if dst != echoDest {
			return ClientID{}, false
		}
		probe = msg[icmpHeaderLen+ipv6HeaderLen:]
	} else {
		if msg[0] != icmpTimeExceeded {
			return ClientID{}, false
		}
		if !ValidChecksum(msg) {
			return ClientID{}, false
		}
		ip := msg[icmpHeaderLen : icmpHeaderLen+ipv4HeaderLen]
		if ip[0]&0x0f != ipv4HeaderLenWords || ip[9] != protoICMPv4 {
			return ClientID{}, false
		}
		dst, _ := netip.AddrFromSlice(ip[16:20])
		if dst != echoDest.Unmap() {
			return ClientID{}, false
		}
		probe = msg[icmpHeaderLen+ipv4HeaderLen:]
	}

	if !isEchoProbe(family, probe) {
		return ClientID{}, false
	}

	return ClientID{
		Address:    from.Unmap(),
		FlowID:     binary.BigEndian.Uint16(probe[4:6]),
		ClientPort: binary.BigEndian.Uint16(probe[6:8]),
	}, true
}
