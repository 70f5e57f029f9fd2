package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/packet"
	"github.com/postalsys/pwnat/internal/recovery"
	"github.com/postalsys/pwnat/internal/socket"
)

// Session error reasons recorded in metrics.
const (
	reasonTunnel   = "tunnel"
	reasonFlowInit = "flow_init"
	reasonResolve  = "resolve"
	reasonConnect  = "connect"
	reasonRemote   = "remote"
)

// session relays one client flow: a tunnel to the client and a TCP
// connection to the remote host the client named. All fields are owned by
// the loop.
type session struct {
	reg    *Registry
	key    packet.ClientID
	id     packet.ClientID
	logger *slog.Logger

	tunnel socket.Socket
	tcp    socket.Socket
	target packet.FlowInit

	// draining is the socket left to flush after the other side closed.
	draining socket.Socket

	cancelResolve context.CancelFunc
	started       time.Time
	remoteUp      bool
	closed        bool
}

func newSession(r *Registry, key, id packet.ClientID) *session {
	return &session{
		reg: r,
		key: key,
		id:  id,
		logger: r.logger.With(
			logging.KeyClientID, id.String(),
			logging.KeyFlowID, id.FlowID),
		started: time.Now(),
	}
}

// start dials the tunnel back to the client and waits for its FlowInit.
func (s *session) start() {
	s.logger.Info("session started",
		logging.KeyRemoteAddr, s.id.Address,
		logging.KeyClientPort, s.id.ClientPort)

	s.tunnel = s.reg.sockets.Tunnel(s.id.FlowID, fmt.Sprintf("tunnel %s", s.id))
	s.tunnel.Init()
	s.tunnel.OnDeath(s.tunnelDied)
	s.tunnel.OnConnected(s.tunnelConnected)
	s.tunnel.OnData(s.readFlowInit)

	if err := s.tunnel.Connect(s.reg.cfg.ProxyPort, s.id.Address, s.id.ClientPort); err != nil {
		s.fail(reasonTunnel, err)
	}
}

func (s *session) tunnelConnected() {
	elapsed := time.Since(s.started)
	s.reg.metrics.RecordTunnelConnect(elapsed.Seconds())
	s.logger.Debug("tunnel connected", logging.KeyDuration, elapsed)
}

// readFlowInit runs on every inbound chunk until a complete FlowInit has
// arrived. Bytes after it stay buffered for the relay.
func (s *session) readFlowInit(in *socket.Buffer) {
	init, n, err := packet.ParseFlowInit(in.Bytes())
	if err != nil {
		s.fail(reasonFlowInit, err)
		return
	}
	if n == 0 {
		return
	}

	in.Consume(n)
	s.tunnel.OnData(nil)
	s.target = init

	s.logger.Debug("flow init received",
		logging.KeyRemoteHost, init.RemoteHost,
		logging.KeyRemotePort, init.RemotePort)
	s.resolve()
}

// resolve looks the remote host up off the loop and resumes on it.
func (s *session) resolve() {
	ctx, cancel := context.WithTimeout(context.Background(), s.reg.cfg.ResolveTimeout)
	s.cancelResolve = cancel

	host, port := s.target.RemoteHost, s.target.RemotePort
	recovery.Go(s.logger, "server.session.resolve", func() {
		addr, err := s.reg.resolver.Resolve(ctx, host, port)
		cancel()
		s.reg.loop.Post(func() { s.resolved(addr.Addr(), addr.Port(), err) })
	})
}

func (s *session) resolved(addr netip.Addr, port uint16, err error) {
	if s.closed {
		return
	}
	s.cancelResolve = nil
	if err != nil {
		s.fail(reasonResolve, fmt.Errorf("resolve %s: %w", s.target.RemoteHost, err))
		return
	}

	s.tcp = s.reg.sockets.TCP(fmt.Sprintf("remote %s:%d", s.target.RemoteHost, s.target.RemotePort))
	s.tcp.Init()
	s.tcp.OnDeath(s.tcpDied)
	s.tcp.OnConnected(func() {
		s.remoteUp = true
		s.logger.Info("remote connected",
			logging.KeyRemoteHost, s.target.RemoteHost,
			logging.KeyRemoteAddr, addr,
			logging.KeyRemotePort, port)
	})
	if err := s.tcp.Connect(0, addr, port); err != nil {
		s.fail(reasonConnect, err)
		return
	}

	s.tcp.PipeFrom(s.tunnel)
	s.tunnel.PipeFrom(s.tcp)
}

func (s *session) tunnelDied(err error) {
	if socket.IsClosure(err) {
		s.finish(err, s.tcp)
		return
	}
	s.fail(reasonTunnel, err)
}

func (s *session) tcpDied(err error) {
	if socket.IsClosure(err) {
		s.finish(err, s.tunnel)
		return
	}
	if !s.remoteUp {
		s.fail(reasonConnect, err)
		return
	}
	s.fail(reasonRemote, err)
}

// finish ends the session after an orderly close on one side. The other
// side flushes what it already holds before it is disposed.
func (s *session) finish(err error, peer socket.Socket) {
	if s.closed {
		return
	}
	if peer != nil {
		s.draining = peer
		peer.Shutdown()
	}
	s.close(err)
}

func (s *session) fail(reason string, err error) {
	if s.closed {
		return
	}
	s.reg.metrics.RecordSessionError(reason)
	s.close(err)
}

// close disposes both sockets, except one still draining, and removes the
// session. It is idempotent.
func (s *session) close(err error) {
	if s.closed {
		return
	}
	s.closed = true
	if s.cancelResolve != nil {
		s.cancelResolve()
	}

	var in, out uint64
	if s.tunnel != nil {
		st := s.tunnel.Stats()
		in, out = st.BytesIn, st.BytesOut
	}
	for _, sock := range []socket.Socket{s.tunnel, s.tcp} {
		if sock != nil && sock != s.draining {
			sock.Dispose()
		}
	}
	s.reg.remove(s.key, s)
	s.reg.metrics.RecordBytesRelayed("client_to_remote", int(in))
	s.reg.metrics.RecordBytesRelayed("remote_to_client", int(out))

	attrs := []any{
		logging.KeyDuration, time.Since(s.started).Round(time.Millisecond),
		"bytes_in", humanize.Bytes(in),
		"bytes_out", humanize.Bytes(out),
	}
	if err != nil && !socket.IsClosure(err) {
		s.logger.Info("session closed", append(attrs, logging.KeyError, err)...)
		return
	}
	s.logger.Info("session closed", attrs...)
}
