package tunnel

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/postalsys/pwnat/internal/logging"
)

const (
	// DefaultConnectTimeout bounds the rendezvous handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultBufferSize bounds each connection's send and receive buffers.
	DefaultBufferSize = 256 * 1024

	// DefaultMTU is the KCP segment size.
	DefaultMTU = 1350

	// DefaultWindow is the KCP send and receive window, in segments.
	DefaultWindow = 512

	// DefaultKeepAlive is how often an idle connection pings its peer.
	DefaultKeepAlive = 10 * time.Second

	// DefaultIdleTimeout fails a connection that has heard nothing from its
	// peer for this long.
	DefaultIdleTimeout = 60 * time.Second

	keySalt       = "pwnat-tunnel"
	keyIterations = 4096
)

// KCPConfig configures a KCPTransport.
type KCPConfig struct {
	// Network is "udp4" or "udp6".
	Network string

	// BindAddress is the local address tunnels bind to; the zero value
	// binds all addresses.
	BindAddress netip.Addr

	ConnectTimeout time.Duration
	BufferSize     int
	MTU            int
	Window         int

	// KeepAlive is the ping interval. IdleTimeout must exceed it.
	KeepAlive   time.Duration
	IdleTimeout time.Duration

	// SocketBuffer sets SO_RCVBUF and SO_SNDBUF on tunnel sockets when
	// positive.
	SocketBuffer int

	// Key enables AES encryption of tunnel traffic when non-empty. Both
	// peers must use the same key.
	Key string

	Logger *slog.Logger
}

// KCPTransport runs tunnels as KCP sessions over UDP. Both peers dial each
// other with the same conversation id, so the first datagrams from either side
// open the NAT mapping the other side needs.
type KCPTransport struct {
	cfg    KCPConfig
	block  kcp.BlockCrypt
	logger *slog.Logger

	nextHandle atomic.Uint32

	mu    sync.Mutex
	muxes map[uint16]*portMux
	conns map[Handle]*kcpConn
	gen   chan struct{}
}

// NewKCPTransport creates a transport. It fails only if the encryption key
// cannot be set up.
func NewKCPTransport(cfg KCPConfig) (*KCPTransport, error) {
	if cfg.Network == "" {
		cfg.Network = "udp4"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.IdleTimeout <= cfg.KeepAlive {
		cfg.IdleTimeout = max(DefaultIdleTimeout, 3*cfg.KeepAlive)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	t := &KCPTransport{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.KeyComponent, "kcp"),
		muxes:  make(map[uint16]*portMux),
		conns:  make(map[Handle]*kcpConn),
		gen:    make(chan struct{}),
	}

	if cfg.Key != "" {
		key := pbkdf2.Key([]byte(cfg.Key), []byte(keySalt), keyIterations, 32, sha1.New)
		block, err := kcp.NewAESBlockCrypt(key)
		if err != nil {
			return nil, fmt.Errorf("tunnel key: %w", err)
		}
		t.block = block
	}

	return t, nil
}

// ConversationID derives the KCP conversation id both peers use for a tunnel.
// The low half mixes the two UDP ports so it is the same from either end.
func ConversationID(flow, localPort, remotePort uint16) uint32 {
	return uint32(flow)<<16 | uint32(localPort^remotePort)
}

// Connect implements Transport.
func (t *KCPTransport) Connect(localPort uint16, raddr netip.AddrPort, flow uint16) (Conn, error) {
	raddr = netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())

	m, err := t.portMux(localPort)
	if err != nil {
		return nil, err
	}

	peer, err := m.attach(raddr)
	if err != nil {
		return nil, err
	}

	conv := ConversationID(flow, m.port, raddr.Port())
	sess, err := kcp.NewConn3(conv, peer.remoteAddr(), t.block, 0, 0, peer)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("kcp session: %w", err)
	}
	t.tune(sess)

	h := Handle(t.nextHandle.Add(1))
	c := newKCPConn(t, h, sess, peer, m.port)

	t.mu.Lock()
	t.conns[h] = c
	t.mu.Unlock()

	c.start(t.cfg.ConnectTimeout)

	t.logger.Debug("tunnel connecting",
		logging.KeyLocalPort, m.port,
		logging.KeyRemoteAddr, raddr,
		"conv", conv)
	return c, nil
}

// tune applies the stream settings used for proxied TCP traffic.
func (t *KCPTransport) tune(sess *kcp.UDPSession) {
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetMtu(t.cfg.MTU)
	sess.SetWindowSize(t.cfg.Window, t.cfg.Window)
	sess.SetACKNoDelay(false)
	sess.SetStreamMode(true)
}

// portMux returns the shared socket for localPort, binding it if needed.
// Port 0 always binds a fresh ephemeral port.
func (t *KCPTransport) portMux(localPort uint16) (*portMux, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if localPort != 0 {
		if m, ok := t.muxes[localPort]; ok {
			return m, nil
		}
	}

	laddr := netip.AddrPortFrom(t.cfg.BindAddress, localPort)
	conn, err := listenUDP(t.cfg.Network, laddr, t.cfg.SocketBuffer)
	if err != nil {
		return nil, fmt.Errorf("bind tunnel port %d: %w", localPort, err)
	}

	m := newPortMux(conn, t.logger, t.releaseMux)
	t.muxes[m.port] = m
	return m, nil
}

func (t *KCPTransport) releaseMux(m *portMux) {
	t.mu.Lock()
	if t.muxes[m.port] == m {
		delete(t.muxes, m.port)
	}
	t.mu.Unlock()
}

// NewPoller implements Transport.
func (t *KCPTransport) NewPoller() (Poller, error) {
	return &kcpPoller{
		t:        t,
		interest: make(map[Handle]Direction),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}, nil
}

// Close implements Transport.
func (t *KCPTransport) Close() error {
	t.mu.Lock()
	conns := make([]*kcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (t *KCPTransport) lookup(h Handle) *kcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[h]
}

func (t *KCPTransport) forget(h Handle) {
	t.mu.Lock()
	delete(t.conns, h)
	t.mu.Unlock()
	t.changed()
}

// generation returns a channel that is closed at the next state change.
func (t *KCPTransport) generation() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *KCPTransport) changed() {
	t.mu.Lock()
	close(t.gen)
	t.gen = make(chan struct{})
	t.mu.Unlock()
}

var _ Transport = (*KCPTransport)(nil)
