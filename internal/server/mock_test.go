package server

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/postalsys/pwnat/internal/packet"
	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/socket"
)

// mockSocket records every call and lets tests drive data, connection and
// death events by hand.
type mockSocket struct {
	name string
	flow uint16

	state       socket.State
	initialized bool
	connects    int
	localPort   uint16
	addr        netip.Addr
	port        uint16

	in   socket.Buffer
	sent []byte

	onData      socket.DataHandler
	onConnected []func()
	onDeath     func(error)

	shutdown bool
	disposed int
	stats    socket.Stats
}

func (m *mockSocket) Name() string { return m.name }

func (m *mockSocket) Init() { m.initialized = true }

func (m *mockSocket) Connect(localPort uint16, addr netip.Addr, port uint16) error {
	if m.state != socket.Unconnected {
		return socket.ErrNotUnconnected
	}
	m.connects++
	m.localPort, m.addr, m.port = localPort, addr, port
	m.state = socket.Connecting
	return nil
}

func (m *mockSocket) Send(p []byte) {
	if m.Disposed() {
		return
	}
	m.sent = append(m.sent, p...)
	m.stats.BytesOut += uint64(len(p))
}

func (m *mockSocket) OnData(h socket.DataHandler) {
	if m.Disposed() {
		return
	}
	m.onData = h
	if h != nil && m.in.Len() > 0 {
		h(&m.in)
	}
}

func (m *mockSocket) OnConnected(h func()) {
	if m.Disposed() {
		return
	}
	if m.state == socket.Connected {
		h()
		return
	}
	m.onConnected = append(m.onConnected, h)
}

func (m *mockSocket) OnDeath(h func(error)) { m.onDeath = h }

func (m *mockSocket) PipeFrom(src socket.Socket) {
	src.OnData(func(in *socket.Buffer) {
		m.Send(in.Bytes())
		in.Consume(in.Len())
	})
}

func (m *mockSocket) Shutdown() {
	m.shutdown = true
	m.Dispose()
}

func (m *mockSocket) State() socket.State { return m.state }

func (m *mockSocket) Connected() bool { return m.state == socket.Connected }

func (m *mockSocket) Disposed() bool { return m.state == socket.Disposed }

func (m *mockSocket) Dispose() bool {
	m.disposed++
	if m.Disposed() {
		return false
	}
	m.state = socket.Disposed
	m.onData = nil
	return true
}

func (m *mockSocket) LocalPort() uint16 { return m.localPort }

func (m *mockSocket) Stats() socket.Stats { return m.stats }

// feed simulates bytes arriving from the peer.
func (m *mockSocket) feed(p []byte) {
	if m.Disposed() {
		return
	}
	m.stats.BytesIn += uint64(len(p))
	m.in.Append(p)
	if m.onData != nil {
		m.onData(&m.in)
	}
}

func (m *mockSocket) connect() {
	m.state = socket.Connected
	handlers := m.onConnected
	m.onConnected = nil
	for _, h := range handlers {
		h()
	}
}

// kill simulates a fatal transport error.
func (m *mockSocket) kill(err error) {
	if m.Disposed() {
		return
	}
	h := m.onDeath
	m.Dispose()
	if h != nil {
		h(err)
	}
}

var _ socket.Socket = (*mockSocket)(nil)

type mockSockets struct {
	tunnels []*mockSocket
	tcps    []*mockSocket
}

func (f *mockSockets) Tunnel(flow uint16, name string) socket.Socket {
	s := &mockSocket{name: name, flow: flow}
	f.tunnels = append(f.tunnels, s)
	return s
}

func (f *mockSockets) TCP(name string) socket.Socket {
	s := &mockSocket{name: name}
	f.tcps = append(f.tcps, s)
	return s
}

type resolveCall struct {
	host string
	port uint16
}

type mockResolver struct {
	calls chan resolveCall
	addr  netip.Addr
	err   error
}

func newMockResolver(addr string) *mockResolver {
	return &mockResolver{
		calls: make(chan resolveCall, 16),
		addr:  netip.MustParseAddr(addr),
	}
}

func (r *mockResolver) Resolve(_ context.Context, host string, port uint16) (netip.AddrPort, error) {
	r.calls <- resolveCall{host: host, port: port}
	if r.err != nil {
		return netip.AddrPort{}, r.err
	}
	return netip.AddrPortFrom(r.addr, port), nil
}

type datagram struct {
	msg  []byte
	addr netip.Addr
}

// mockICMP is an ICMP socket backed by channels.
type mockICMP struct {
	mu       sync.Mutex
	writes   []datagram
	writeErr error

	reads     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockICMP() *mockICMP {
	return &mockICMP{
		reads:  make(chan datagram, 16),
		closed: make(chan struct{}),
	}
}

func (c *mockICMP) WriteTo(msg []byte, dst netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, datagram{msg: append([]byte(nil), msg...), addr: dst})
	return nil
}

func (c *mockICMP) ReadFrom(b []byte) (int, netip.Addr, error) {
	select {
	case d := <-c.reads:
		return copy(b, d.msg), d.addr, nil
	case <-c.closed:
		return 0, netip.Addr{}, net.ErrClosed
	}
}

func (c *mockICMP) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockICMP) written() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datagram(nil), c.writes...)
}

var (
	echoDest = netip.MustParseAddr("3.3.3.3")
	serverIP = netip.MustParseAddr("198.51.100.10")
)

// signal builds the TTL-exceeded message a client would send for flow and
// port, without an outer IP header.
func signal(t *testing.T, flow, port uint16) []byte {
	t.Helper()
	msg, err := packet.BuildTTLExceeded(packet.BuildEchoProbe(packet.IPv4, flow, port), serverIP, echoDest, packet.IPv4)
	if err != nil {
		t.Fatalf("BuildTTLExceeded() error = %v", err)
	}
	return msg
}

// rawIPv4 wraps msg in the IPv4 header a raw socket hands back.
func rawIPv4(t *testing.T, msg []byte, src netip.Addr) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.AsSlice(),
		DstIP:    serverIP.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(msg)); err != nil {
		t.Fatalf("SerializeLayers() error = %v", err)
	}
	return buf.Bytes()
}

// drainUntil runs the loop on the calling goroutine until cond holds.
func drainUntil(t *testing.T, loop *reactor.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		if loop.Drain() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}
