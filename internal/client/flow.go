package client

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/packet"
	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/socket"
)

// flow relays one accepted connection through one tunnel.
type flow struct {
	c      *Client
	id     uint16
	logger *slog.Logger

	tcp    socket.Socket
	tunnel socket.Socket
	ticker *reactor.Ticker

	// draining is the socket left to flush after the other side closed.
	draining socket.Socket

	started time.Time
	closed  bool
}

func newFlow(c *Client, id uint16, conn net.Conn) *flow {
	f := &flow{
		c:       c,
		id:      id,
		logger:  c.logger.With(logging.KeyFlowID, id),
		started: time.Now(),
	}
	f.tcp = c.sockets.AcceptedTCP(conn, fmt.Sprintf("local %s", conn.RemoteAddr()))
	f.tunnel = c.sockets.Tunnel(id, fmt.Sprintf("tunnel flow %d", id))
	return f
}

// start queues the FlowInit, starts the rendezvous and begins signalling.
func (f *flow) start() {
	f.tcp.OnDeath(f.tcpDied)
	f.tunnel.OnDeath(f.tunnelDied)
	f.tcp.Init()
	f.tunnel.Init()

	// The FlowInit must be the first thing the server reads.
	f.tunnel.Send(f.c.flowInit)
	if err := f.tunnel.Connect(0, f.c.cfg.ProxyAddr, f.c.cfg.ProxyPort); err != nil {
		f.close(err)
		return
	}
	f.tunnel.OnConnected(f.connected)

	f.tunnel.PipeFrom(f.tcp)
	f.tcp.PipeFrom(f.tunnel)

	port := f.tunnel.LocalPort()
	if port == 0 {
		// The transport failed to bind; its error is already on the way.
		return
	}
	f.logger.Info("flow started", logging.KeyLocalPort, port)

	f.signal()
	if !f.closed && !f.tunnel.Connected() {
		f.ticker = f.c.loop.Every(f.c.cfg.Interval, f.signal)
	}
}

// signal sends one TTL-exceeded message naming this flow's tunnel port.
func (f *flow) signal() {
	if f.closed || f.tunnel.Connected() {
		return
	}

	probe := packet.BuildEchoProbe(f.c.cfg.Family, f.id, f.tunnel.LocalPort())
	msg, err := packet.BuildTTLExceeded(probe, f.c.cfg.ProxyAddr, f.c.cfg.EchoDestination, f.c.cfg.Family)
	if err != nil {
		f.logger.Error("failed to build signal", logging.KeyError, err)
		return
	}
	if err := f.c.signaler.WriteTo(msg, f.c.cfg.ProxyAddr); err != nil {
		f.c.metrics.RecordICMPSendError()
		f.logger.Warn("failed to send signal",
			logging.KeyAddress, f.c.cfg.ProxyAddr,
			logging.KeyError, err)
		return
	}
	f.c.metrics.RecordSignalSent()
}

func (f *flow) connected() {
	f.stopSignalling()
	elapsed := time.Since(f.started)
	f.c.metrics.RecordTunnelConnect(elapsed.Seconds())
	f.logger.Info("tunnel connected", logging.KeyDuration, elapsed.Round(time.Millisecond))
}

func (f *flow) stopSignalling() {
	if f.ticker != nil {
		f.ticker.Stop()
		f.ticker = nil
	}
}

func (f *flow) tcpDied(err error) {
	f.died(err, f.tunnel)
}

func (f *flow) tunnelDied(err error) {
	f.died(err, f.tcp)
}

// died handles the death of one socket. After an orderly close the peer
// flushes before it is disposed; any other error disposes it at once.
func (f *flow) died(err error, peer socket.Socket) {
	if f.closed {
		return
	}
	if socket.IsClosure(err) {
		f.draining = peer
		peer.Shutdown()
	}
	f.close(err)
}

// close disposes both sockets, except one still draining, and removes the
// flow. It is idempotent.
func (f *flow) close(err error) {
	if f.closed {
		return
	}
	f.closed = true
	f.stopSignalling()

	st := f.tcp.Stats()
	for _, s := range []socket.Socket{f.tcp, f.tunnel} {
		if s != f.draining {
			s.Dispose()
		}
	}
	f.c.remove(f.id, f)
	f.c.metrics.RecordBytesRelayed("local_to_tunnel", int(st.BytesIn))
	f.c.metrics.RecordBytesRelayed("tunnel_to_local", int(st.BytesOut))

	attrs := []any{
		logging.KeyDuration, time.Since(f.started).Round(time.Millisecond),
		"bytes_in", humanize.Bytes(st.BytesIn),
		"bytes_out", humanize.Bytes(st.BytesOut),
	}
	if err != nil && !socket.IsClosure(err) {
		f.logger.Info("flow closed", append(attrs, logging.KeyError, err)...)
		return
	}
	f.logger.Info("flow closed", attrs...)
}
