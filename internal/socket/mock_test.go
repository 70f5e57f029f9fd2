package socket

import (
	"net/netip"
	"testing"
	"time"

	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/tunnel"
)

type mockConn struct {
	handle    tunnel.Handle
	port      uint16
	err       error
	inbound   [][]byte
	recvErr   error
	limited   bool
	sendLimit int
	sendErr   error
	sent      []byte
	recvCalls int
	sendCalls int
	closed    int
}

func (c *mockConn) Handle() tunnel.Handle { return c.handle }

func (c *mockConn) LocalPort() uint16 { return c.port }

func (c *mockConn) Err() error { return c.err }

func (c *mockConn) Recv(b []byte) (int, error) {
	c.recvCalls++
	if len(c.inbound) == 0 {
		if c.recvErr != nil {
			return 0, c.recvErr
		}
		return 0, tunnel.ErrWouldBlock
	}
	n := copy(b, c.inbound[0])
	c.inbound = c.inbound[1:]
	return n, nil
}

func (c *mockConn) Send(b []byte) (int, error) {
	c.sendCalls++
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	n := len(b)
	if c.limited {
		n = min(n, c.sendLimit)
		c.sendLimit -= n
		if n == 0 {
			return 0, tunnel.ErrWouldBlock
		}
	}
	c.sent = append(c.sent, b[:n]...)
	return n, nil
}

func (c *mockConn) Close() error {
	c.closed++
	return nil
}

type mockTransport struct {
	conn     *mockConn
	err      error
	lastPort uint16
	lastAddr netip.AddrPort
	lastFlow uint16
}

func (t *mockTransport) Connect(localPort uint16, raddr netip.AddrPort, flow uint16) (tunnel.Conn, error) {
	t.lastPort, t.lastAddr, t.lastFlow = localPort, raddr, flow
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

func (t *mockTransport) NewPoller() (tunnel.Poller, error) { return nil, nil }

func (t *mockTransport) Close() error { return nil }

type mockRegistrar struct {
	recv         map[tunnel.Handle]func()
	send         map[tunnel.Handle]func()
	unregistered []tunnel.Handle
}

func newMockRegistrar() *mockRegistrar {
	return &mockRegistrar{
		recv: make(map[tunnel.Handle]func()),
		send: make(map[tunnel.Handle]func()),
	}
}

func (r *mockRegistrar) RequestReceive(h tunnel.Handle, cb func()) { r.recv[h] = cb }

func (r *mockRegistrar) RequestSend(h tunnel.Handle, cb func()) { r.send[h] = cb }

func (r *mockRegistrar) RequestUnregister(h tunnel.Handle) {
	delete(r.recv, h)
	delete(r.send, h)
	r.unregistered = append(r.unregistered, h)
}

// fireSend runs the pending send callback for h, as the service would after
// posting it.
func (r *mockRegistrar) fireSend(t *testing.T, h tunnel.Handle) {
	t.Helper()
	cb, ok := r.send[h]
	if !ok {
		t.Fatalf("no send registration for handle %d", h)
	}
	delete(r.send, h)
	cb()
}

func (r *mockRegistrar) fireRecv(t *testing.T, h tunnel.Handle) {
	t.Helper()
	cb, ok := r.recv[h]
	if !ok {
		t.Fatalf("no receive registration for handle %d", h)
	}
	delete(r.recv, h)
	cb()
}

type tunnelFixture struct {
	loop      *reactor.Loop
	conn      *mockConn
	transport *mockTransport
	registrar *mockRegistrar
	sock      *Tunnel
}

func newTunnelFixture() *tunnelFixture {
	f := &tunnelFixture{
		loop:      reactor.New(logging.NopLogger()),
		conn:      &mockConn{handle: 11, port: 40000},
		registrar: newMockRegistrar(),
	}
	f.transport = &mockTransport{conn: f.conn}
	f.sock = NewTunnel(f.loop, f.registrar, f.transport, 7, logging.NopLogger(), "tunnel")
	return f
}

// connect initialises, connects and completes the rendezvous.
func (f *tunnelFixture) connect(t *testing.T) {
	t.Helper()
	f.sock.Init()
	if err := f.sock.Connect(2222, netip.MustParseAddr("1.2.3.4"), 5000); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.registrar.fireSend(t, f.conn.handle)
	if !f.sock.Connected() {
		t.Fatalf("state = %v, want connected", f.sock.State())
	}
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
