// Package icmp opens the raw ICMP sockets pwnat signals over.
//
// # Sockets
//
// Both ends need raw sockets, which on Linux means root or CAP_NET_RAW:
//
//   - The server sends echo probes toward the echo destination and reads every
//     ICMP datagram addressed to it, looking for TTL-exceeded signals.
//   - The client only sends; its TTL-exceeded signal claims to come from the
//     network path, so it cannot use an unprivileged ping socket.
//
// # IPv4
//
// IPv4 sockets are wrapped in an ipv4.RawConn so reads keep the IP header of
// the received datagram. Signal validation needs its header length field.
// Writes carry a minimal header and let the kernel fill the source address,
// identification and header checksum.
//
// # IPv6
//
// IPv6 raw sockets never return the IP header, and the kernel computes and
// verifies ICMPv6 checksums over its own pseudo-header, so messages are
// written and read as bare ICMPv6.
package icmp
