// Package packet encodes and decodes the crafted datagrams used by pwnat.
//
// Three records travel between a client and a server:
//
//   - EchoProbe: an ICMP Echo Request. The server sends one periodically toward a
//     fixed, unused destination so that its NAT expects replies about it. The
//     client embeds a crafted copy in its signal, with the echo identifier holding
//     the flow id and the sequence number holding the client's tunnel port.
//   - TTL-exceeded signal: an ICMP Time Exceeded message that looks like a
//     transit router's answer to the server's probe. Receiving one is a request
//     to rendezvous.
//   - FlowInit: the first bytes written on a fresh tunnel, naming the remote
//     host and port the server should connect to.
//
// All multi-byte fields are big-endian on the wire. Nothing in this package
// performs I/O.
package packet
