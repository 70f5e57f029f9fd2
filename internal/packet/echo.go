package packet

import "encoding/binary"

// EchoProbeLen is the size of an encoded echo probe for either family.
const EchoProbeLen = icmpHeaderLen

// BuildEchoProbe encodes an ICMP (or ICMPv6) Echo Request whose identifier is
// flowID and whose sequence number is clientPort.
//
// The checksum is computed over the message alone. For ICMPv6 that is not the
// checksum a host stack would produce, since it omits the pseudo-header, but
// the probe is only ever compared field by field once embedded in a signal.
func BuildEchoProbe(family Family, flowID, clientPort uint16) []byte {
	b := make([]byte, EchoProbeLen)
	if family == IPv6 {
		b[0] = icmpv6EchoRequest
	} else {
		b[0] = icmpEchoRequest
	}
	b[1] = 0
	binary.BigEndian.PutUint16(b[4:6], flowID)
	binary.BigEndian.PutUint16(b[6:8], clientPort)
	putChecksum(b, 2)
	return b
}

// isEchoProbe reports whether b looks like a probe built by BuildEchoProbe for
// family. Identifier and sequence are free; type and code are fixed.
func isEchoProbe(family Family, b []byte) bool {
	if len(b) != EchoProbeLen || b[1] != 0 {
		return false
	}
	if family == IPv6 {
		return b[0] == icmpv6EchoRequest
	}
	return b[0] == icmpEchoRequest
}
