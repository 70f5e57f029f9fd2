package icmp

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/postalsys/pwnat/internal/packet"
)

const (
	ipv4HeaderLen = 20
	defaultTTL    = 64
)

// Conn is a raw ICMP socket for one address family.
type Conn struct {
	family packet.Family
	v4     *ipv4.RawConn
	v6     *icmp.PacketConn
}

// Listen opens a raw ICMP socket for family bound to bind. The zero address
// binds all addresses.
func Listen(family packet.Family, bind netip.Addr) (*Conn, error) {
	address := ""
	if bind.IsValid() {
		address = bind.String()
	}

	if family == packet.IPv6 {
		if address == "" {
			address = "::"
		}
		c, err := icmp.ListenPacket("ip6:ipv6-icmp", address)
		if err != nil {
			return nil, fmt.Errorf("open ICMPv6 socket: %w", err)
		}
		return &Conn{family: family, v6: c}, nil
	}

	if address == "" {
		address = "0.0.0.0"
	}
	c, err := net.ListenPacket("ip4:icmp", address)
	if err != nil {
		return nil, fmt.Errorf("open ICMP socket: %w", err)
	}
	raw, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open ICMP socket: %w", err)
	}
	return &Conn{family: family, v4: raw}, nil
}

// Family returns the socket's address family.
func (c *Conn) Family() packet.Family {
	return c.family
}

// WriteTo sends one ICMP message to dst.
func (c *Conn) WriteTo(msg []byte, dst netip.Addr) error {
	if !c.family.Matches(dst) {
		return fmt.Errorf("%w: %s on %s socket", packet.ErrAddressFamily, dst, c.family)
	}

	if c.family == packet.IPv6 {
		if _, err := c.v6.WriteTo(msg, &net.IPAddr{IP: dst.AsSlice()}); err != nil {
			return fmt.Errorf("send ICMPv6: %w", err)
		}
		return nil
	}

	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4HeaderLen,
		TotalLen: ipv4HeaderLen + len(msg),
		TTL:      defaultTTL,
		Protocol: packet.IPv4.Protocol(),
		Dst:      dst.Unmap().AsSlice(),
	}
	if err := c.v4.WriteTo(h, msg, nil); err != nil {
		return fmt.Errorf("send ICMP: %w", err)
	}
	return nil
}

// ReadFrom reads one datagram into b and returns its length and sender. IPv4
// datagrams include their IP header; IPv6 datagrams start at the ICMPv6
// header.
func (c *Conn) ReadFrom(b []byte) (int, netip.Addr, error) {
	if c.family == packet.IPv6 {
		n, peer, err := c.v6.ReadFrom(b)
		if err != nil {
			return 0, netip.Addr{}, err
		}
		return n, addrOf(peer), nil
	}

	h, p, _, err := c.v4.ReadFrom(b)
	if err != nil {
		return 0, netip.Addr{}, err
	}
	from, _ := netip.AddrFromSlice(h.Src)
	return h.Len + len(p), from.Unmap(), nil
}

// SetReadDeadline sets the deadline for ReadFrom.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.family == packet.IPv6 {
		return c.v6.SetReadDeadline(t)
	}
	return c.v4.SetReadDeadline(t)
}

// Close closes the socket and unblocks ReadFrom.
func (c *Conn) Close() error {
	if c.family == packet.IPv6 {
		return c.v6.Close()
	}
	return c.v4.Close()
}

func addrOf(a net.Addr) netip.Addr {
	var ip net.IP
	switch addr := a.(type) {
	case *net.IPAddr:
		ip = addr.IP
	case *net.UDPAddr:
		ip = addr.IP
	}
	out, _ := netip.AddrFromSlice(ip)
	return out.Unmap()
}
