// Package client implements the initiating side of pwnat.
//
// The client accepts local TCP connections. For each one it opens a tunnel
// toward the proxy host and announces it with a forged ICMP Time Exceeded
// message that carries the flow id and the tunnel's UDP port. The announcement
// repeats until the server's tunnel reaches us.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/pwnat/internal/icmp"
	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/metrics"
	"github.com/postalsys/pwnat/internal/packet"
	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/recovery"
	"github.com/postalsys/pwnat/internal/socket"
)

// ErrNoFlowIDs is returned when every flow id is in use.
var ErrNoFlowIDs = errors.New("no free flow ids")

// Signaler sends crafted ICMP messages.
type Signaler interface {
	WriteTo(msg []byte, dst netip.Addr) error
}

// Sockets creates the sockets a flow owns.
type Sockets interface {
	Tunnel(flow uint16, name string) socket.Socket
	AcceptedTCP(conn net.Conn, name string) socket.Socket
}

// Config configures a Client.
type Config struct {
	Family packet.Family

	// ProxyAddr is the server's resolved address.
	ProxyAddr netip.Addr
	ProxyPort uint16

	RemoteHost string
	RemotePort uint16

	// EchoDestination must match the server's. The zero value selects the
	// family default.
	EchoDestination netip.Addr

	// Interval is the signal period; zero uses icmp.DefaultInterval.
	Interval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client owns the local listener and every active flow. Flow state is only
// touched on the loop.
type Client struct {
	cfg      Config
	loop     *reactor.Loop
	signaler Signaler
	sockets  Sockets
	logger   *slog.Logger
	metrics  *metrics.Metrics
	flowInit []byte

	listener net.Listener
	flows    map[uint16]*flow
	lastFlow uint16
	stopped  bool
}

// New creates a client. It fails if the remote host cannot be encoded.
func New(cfg Config, loop *reactor.Loop, signaler Signaler, sockets Sockets) (*Client, error) {
	if !cfg.ProxyAddr.IsValid() {
		return nil, errors.New("proxy address is required")
	}
	cfg.ProxyAddr = cfg.ProxyAddr.Unmap()
	if !cfg.Family.Matches(cfg.ProxyAddr) {
		return nil, fmt.Errorf("%w: proxy %s is not %s", packet.ErrAddressFamily, cfg.ProxyAddr, cfg.Family)
	}
	if !cfg.EchoDestination.IsValid() {
		cfg.EchoDestination = icmp.DefaultEchoDestination(cfg.Family)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = icmp.DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	init, err := packet.BuildFlowInit(cfg.RemoteHost, cfg.RemotePort)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		loop:     loop,
		signaler: signaler,
		sockets:  sockets,
		logger:   cfg.Logger.With(logging.KeyComponent, "client"),
		metrics:  cfg.Metrics,
		flowInit: init,
		flows:    make(map[uint16]*flow),
	}, nil
}

// Serve accepts connections from ln until it is closed. Each connection is
// handed to the loop.
func (c *Client) Serve(ln net.Listener) {
	c.logger.Info("accepting connections",
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyRemoteHost, c.cfg.RemoteHost,
		logging.KeyRemotePort, c.cfg.RemotePort,
		logging.KeyAddress, c.cfg.ProxyAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("accept failed", logging.KeyError, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !c.loop.Post(func() { c.Accept(conn) }) {
			conn.Close()
			return
		}
	}
}

// Start runs Serve on its own goroutine. Stop closes ln. It must be called on
// the loop or before the loop runs.
func (c *Client) Start(ln net.Listener) {
	c.listener = ln
	recovery.Go(c.logger, "client.accept", func() { c.Serve(ln) })
}

// Accept starts a flow for an accepted connection. It must be called on the
// loop.
func (c *Client) Accept(conn net.Conn) {
	if c.stopped {
		conn.Close()
		return
	}

	id, err := c.nextFlowID()
	if err != nil {
		c.logger.Warn("rejecting connection",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
		conn.Close()
		return
	}

	f := newFlow(c, id, conn)
	c.flows[id] = f
	c.metrics.RecordFlowOpen()
	f.start()
}

// nextFlowID returns the next id after the last one handed out, skipping 0
// and ids still in use.
func (c *Client) nextFlowID() (uint16, error) {
	id := c.lastFlow
	for i := 0; i < 1<<16; i++ {
		id++
		if id == 0 {
			continue
		}
		if _, busy := c.flows[id]; !busy {
			c.lastFlow = id
			return id, nil
		}
	}
	return 0, ErrNoFlowIDs
}

// Stop closes the listener and tears down every flow. It must be called on
// the loop.
func (c *Client) Stop() {
	if c.stopped {
		return
	}
	c.stopped = true
	if c.listener != nil {
		c.listener.Close()
	}
	for _, f := range c.flows {
		f.close(errClientStopped)
	}
}

// Len returns the number of active flows.
func (c *Client) Len() int {
	return len(c.flows)
}

var errClientStopped = errors.New("client stopped")

// remove forgets the flow stored under id if it is still f.
func (c *Client) remove(id uint16, f *flow) {
	if c.flows[id] == f {
		delete(c.flows, id)
		c.metrics.RecordFlowClose()
	}
}
