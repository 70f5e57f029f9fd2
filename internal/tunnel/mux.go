package tunnel

import (
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/recovery"
)

const (
	maxDatagram    = 64 * 1024
	peerQueueDepth = 1024
)

// portMux shares one UDP socket between every tunnel bound to the same local
// port. Datagrams are handed to the peerConn whose remote address sent them;
// datagrams from unknown senders are dropped.
type portMux struct {
	conn   *net.UDPConn
	port   uint16
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[netip.AddrPort]*peerConn
	closed bool

	// release is called once the last peer is gone.
	release func(*portMux)
}

func newPortMux(conn *net.UDPConn, logger *slog.Logger, release func(*portMux)) *portMux {
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	m := &portMux{
		conn:    conn,
		port:    port,
		logger:  logger,
		peers:   make(map[netip.AddrPort]*peerConn),
		release: release,
	}
	go m.readLoop()
	return m
}

// attach creates the virtual connection for raddr.
func (m *portMux) attach(raddr netip.AddrPort) (*peerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.peers[raddr]; ok {
		return nil, ErrPortInUse
	}

	p := &peerConn{
		mux:    m,
		remote: raddr,
		in:     make(chan []byte, peerQueueDepth),
		done:   make(chan struct{}),
	}
	m.peers[raddr] = p
	return p, nil
}

// detach removes p and closes the socket if no peer is left.
func (m *portMux) detach(p *peerConn) {
	m.mu.Lock()
	if m.peers[p.remote] == p {
		delete(m.peers, p.remote)
	}
	last := len(m.peers) == 0 && !m.closed
	if last {
		m.closed = true
	}
	m.mu.Unlock()

	if last {
		m.conn.Close()
		if m.release != nil {
			m.release(m)
		}
	}
}

func (m *portMux) readLoop() {
	defer recovery.RecoverWithLog(m.logger, "tunnel.mux")

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			m.fail(err)
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		m.mu.Lock()
		p := m.peers[from]
		m.mu.Unlock()
		if p == nil {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		p.deliver(pkt)
	}
}

// fail closes every peer after the shared socket stopped working.
func (m *portMux) fail(err error) {
	m.mu.Lock()
	wasClosed := m.closed
	m.closed = true
	peers := make([]*peerConn, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	if !wasClosed {
		m.logger.Warn("tunnel socket read failed",
			logging.KeyLocalPort, m.port,
			logging.KeyError, err)
	}
	for _, p := range peers {
		p.Close()
	}
	if !wasClosed {
		m.conn.Close()
		if m.release != nil {
			m.release(m)
		}
	}
}

func (m *portMux) writeTo(b []byte, to netip.AddrPort) (int, error) {
	return m.conn.WriteToUDPAddrPort(b, to)
}

// peerConn is the net.PacketConn a KCP session sees: datagrams to and from a
// single remote address over the shared socket.
type peerConn struct {
	mux    *portMux
	remote netip.AddrPort

	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peerConn) deliver(pkt []byte) {
	select {
	case p.in <- pkt:
	case <-p.done:
	default:
		// Queue full; drop like a congested socket would.
	}
}

func (p *peerConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-p.in:
		n := copy(b, pkt)
		return n, net.UDPAddrFromAddrPort(p.remote), nil
	case <-p.done:
		return 0, nil, net.ErrClosed
	}
}

func (p *peerConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-p.done:
		return 0, net.ErrClosed
	default:
	}
	return p.mux.writeTo(b, p.remote)
}

func (p *peerConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mux.detach(p)
	})
	return nil
}

func (p *peerConn) LocalAddr() net.Addr {
	return p.mux.conn.LocalAddr()
}

// Deadlines are not used by KCP sessions on a caller-supplied conn.
func (p *peerConn) SetDeadline(time.Time) error      { return nil }
func (p *peerConn) SetReadDeadline(time.Time) error  { return nil }
func (p *peerConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.PacketConn = (*peerConn)(nil)

// listenUDP binds a UDP socket and applies the configured buffer sizes.
func listenUDP(network string, laddr netip.AddrPort, bufferSize int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, err
	}
	if bufferSize > 0 {
		if err := setSocketBuffers(conn, bufferSize); err != nil {
			conn.Close()
			return nil, os.NewSyscallError("setsockopt", err)
		}
	}
	return conn, nil
}

func (p *peerConn) remoteAddr() net.Addr {
	return net.UDPAddrFromAddrPort(p.remote)
}
