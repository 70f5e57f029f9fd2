package client

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/socket"
)

// mockSocket records every call and lets tests drive data, connection and
// death events by hand.
type mockSocket struct {
	name string
	flow uint16
	conn net.Conn

	state       socket.State
	initialized bool
	connects    int
	bindFails   bool
	localPort   uint16
	addr        netip.Addr
	port        uint16

	in            socket.Buffer
	sent          []byte
	sentAtConnect int

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
	m.sentAtConnect = len(m.sent)
	m.addr, m.port = addr, port
	m.localPort = localPort
	if localPort == 0 && !m.bindFails {
		m.localPort = 40000 + m.flow
	}
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
	if m.conn != nil {
		m.conn.Close()
	}
	return true
}

func (m *mockSocket) LocalPort() uint16 { return m.localPort }

func (m *mockSocket) Stats() socket.Stats { return m.stats }

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
	tunnels   []*mockSocket
	tcps      []*mockSocket
	bindFails bool
}

func (f *mockSockets) Tunnel(flow uint16, name string) socket.Socket {
	s := &mockSocket{name: name, flow: flow, bindFails: f.bindFails}
	f.tunnels = append(f.tunnels, s)
	return s
}

func (f *mockSockets) AcceptedTCP(conn net.Conn, name string) socket.Socket {
	s := &mockSocket{name: name, conn: conn, state: socket.Connected}
	f.tcps = append(f.tcps, s)
	return s
}

type sentSignal struct {
	msg []byte
	dst netip.Addr
}

type mockSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	err  error
}

func (s *mockSignaler) WriteTo(msg []byte, dst netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentSignal{msg: append([]byte(nil), msg...), dst: dst})
	return nil
}

func (s *mockSignaler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *mockSignaler) last() sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

var errSendFailed = errors.New("operation not permitted")

// pipeConn returns one end of an in-memory connection and closes both ends
// when the test ends.
func pipeConn(t *testing.T) (local, peer net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
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
