package socket

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/postalsys/pwnat/internal/tunnel"
)

// Registrar is the part of the tunnel service a socket needs.
type Registrar interface {
	RequestReceive(h tunnel.Handle, cb func())
	RequestSend(h tunnel.Handle, cb func())
	RequestUnregister(h tunnel.Handle)
}

// Tunnel is a socket over a tunnel connection. Readiness comes from the
// tunnel service as one-shot callbacks on the loop.
type Tunnel struct {
	managed

	loop      tunnel.Poster
	service   Registrar
	transport tunnel.Transport
	flow      uint16
	conn      tunnel.Conn
	rbuf      []byte

	reading bool
	writing bool
}

// NewTunnel creates an unconnected tunnel socket for flow.
func NewTunnel(loop tunnel.Poster, service Registrar, transport tunnel.Transport, flow uint16, logger *slog.Logger, name string) *Tunnel {
	s := &Tunnel{
		loop:      loop,
		service:   service,
		transport: transport,
		flow:      flow,
	}
	s.setup(name, logger, s, Unconnected)
	return s
}

// Connect starts a rendezvous with addr:port from localPort. The socket is
// connected once the service reports the connection writable without error.
func (s *Tunnel) Connect(localPort uint16, addr netip.Addr, port uint16) error {
	if err := s.beginConnect(); err != nil {
		return err
	}

	conn, err := s.transport.Connect(localPort, netip.AddrPortFrom(addr, port), s.flow)
	if err != nil {
		s.loop.Post(func() { s.die(err) })
		return nil
	}
	s.conn = conn

	s.writing = true
	s.service.RequestSend(conn.Handle(), s.connectReady)
	return nil
}

func (s *Tunnel) connectReady() {
	s.writing = false
	if s.Disposed() {
		return
	}
	if err := s.conn.Err(); err != nil {
		s.die(err)
		return
	}
	s.notifyConnected()
}

// LocalPort returns the bound UDP port, or 0 before connecting.
func (s *Tunnel) LocalPort() uint16 {
	if s.conn == nil {
		return 0
	}
	return s.conn.LocalPort()
}

func (s *Tunnel) startReceiving() {
	if s.reading || s.Disposed() || s.conn == nil {
		return
	}
	s.reading = true
	s.service.RequestReceive(s.conn.Handle(), s.readable)
}

func (s *Tunnel) readable() {
	s.reading = false
	if s.Disposed() {
		return
	}

	if s.rbuf == nil {
		s.rbuf = make([]byte, ReadChunk)
	}
	n, err := s.conn.Recv(s.rbuf)
	if n > 0 {
		s.received(s.rbuf[:n])
	}
	if s.Disposed() {
		return
	}
	if err != nil && !errors.Is(err, tunnel.ErrWouldBlock) {
		s.die(err)
		return
	}
	s.startReceiving()
}

// startSending writes as much as the connection takes now and waits for
// writability if anything is left.
func (s *Tunnel) startSending() {
	if s.writing || s.Disposed() || s.conn == nil || !s.Connected() {
		return
	}

	for s.out.Len() > 0 {
		n, err := s.conn.Send(s.out.Bytes())
		if n > 0 {
			s.sent(n)
		}
		if errors.Is(err, tunnel.ErrWouldBlock) {
			break
		}
		if err != nil {
			s.die(err)
			return
		}
	}

	if s.out.Len() > 0 {
		s.writing = true
		s.service.RequestSend(s.conn.Handle(), s.writable)
		return
	}
	s.drained()
}

func (s *Tunnel) writable() {
	s.writing = false
	if s.Disposed() {
		return
	}
	s.startSending()
}

func (s *Tunnel) sending() bool { return s.writing }

func (s *Tunnel) release() {
	if s.conn != nil {
		s.service.RequestUnregister(s.conn.Handle())
		s.conn.Close()
	}
}

var _ Socket = (*Tunnel)(nil)
