package agent

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/postalsys/pwnat/internal/packet"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type datagram struct {
	msg  []byte
	addr netip.Addr
}

// icmpNetwork connects fake raw sockets on the loopback address. A message
// written to 127.0.0.1 reaches every other socket wrapped in the IPv4 header
// the kernel would add; anything else is only recorded.
type icmpNetwork struct {
	t *testing.T

	mu    sync.Mutex
	conns []*fakeICMP
}

func newICMPNetwork(t *testing.T) *icmpNetwork {
	return &icmpNetwork{t: t}
}

func (n *icmpNetwork) listen(family packet.Family, bind netip.Addr) (ICMPConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &fakeICMP{
		net:    n,
		reads:  make(chan datagram, 64),
		closed: make(chan struct{}),
	}
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *icmpNetwork) deliver(from *fakeICMP, msg []byte, dst netip.Addr) {
	if dst != loopback {
		return
	}
	raw := rawIPv4(n.t, msg, loopback, dst)

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		if c == from {
			continue
		}
		select {
		case c.reads <- datagram{msg: raw, addr: loopback}:
		default:
		}
	}
}

type fakeICMP struct {
	net *icmpNetwork

	mu     sync.Mutex
	writes []datagram

	reads     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeICMP) WriteTo(msg []byte, dst netip.Addr) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, datagram{msg: append([]byte(nil), msg...), addr: dst})
	c.mu.Unlock()
	c.net.deliver(c, msg, dst)
	return nil
}

func (c *fakeICMP) ReadFrom(b []byte) (int, netip.Addr, error) {
	select {
	case d := <-c.reads:
		return copy(b, d.msg), d.addr, nil
	case <-c.closed:
		return 0, netip.Addr{}, net.ErrClosed
	}
}

func (c *fakeICMP) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeICMP) written() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datagram(nil), c.writes...)
}

func (c *fakeICMP) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// rawIPv4 wraps msg in the IPv4 header a raw socket hands back.
func rawIPv4(t *testing.T, msg []byte, src, dst netip.Addr) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(msg)); err != nil {
		t.Errorf("SerializeLayers() error = %v", err)
	}
	return buf.Bytes()
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer c.Close()
	return uint16(c.LocalAddr().(*net.UDPAddr).Port)
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}
