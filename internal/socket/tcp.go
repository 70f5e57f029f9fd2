package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/postalsys/pwnat/internal/recovery"
	"github.com/postalsys/pwnat/internal/tunnel"
)

// Dialer opens outbound TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCP is a socket over a TCP connection. Reads and writes run on short-lived
// goroutines that post their result to the loop.
type TCP struct {
	managed

	loop   tunnel.Poster
	dialer Dialer
	conn   net.Conn
	cancel context.CancelFunc

	reading bool
	writing bool
}

// NewTCP creates an unconnected TCP socket. A nil dialer dials with
// net.Dialer, binding the local port passed to Connect.
func NewTCP(loop tunnel.Poster, dialer Dialer, logger *slog.Logger, name string) *TCP {
	s := &TCP{loop: loop, dialer: dialer}
	s.setup(name, logger, s, Unconnected)
	return s
}

// NewAcceptedTCP wraps an accepted connection. The socket starts Connected.
func NewAcceptedTCP(loop tunnel.Poster, conn net.Conn, logger *slog.Logger, name string) *TCP {
	s := &TCP{loop: loop, conn: conn}
	s.setup(name, logger, s, Connected)
	return s
}

// Connect dials addr:port. localPort binds the source port when non-zero.
func (s *TCP) Connect(localPort uint16, addr netip.Addr, port uint16) error {
	if err := s.beginConnect(); err != nil {
		return err
	}

	dialer := s.dialer
	if dialer == nil {
		d := &net.Dialer{}
		if localPort != 0 {
			d.LocalAddr = &net.TCPAddr{Port: int(localPort)}
		}
		dialer = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	target := netip.AddrPortFrom(addr, port).String()

	recovery.Go(s.logger, "socket.tcp.dial", func() {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		s.loop.Post(func() {
			if s.Disposed() {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				s.die(fmt.Errorf("connect %s: %w", target, err))
				return
			}
			s.conn = conn
			s.notifyConnected()
		})
	})
	return nil
}

// LocalPort returns the bound local port, or 0 before connecting.
func (s *TCP) LocalPort() uint16 {
	if s.conn == nil {
		return 0
	}
	if a, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

func (s *TCP) startReceiving() {
	if s.reading || s.Disposed() || s.conn == nil {
		return
	}
	s.reading = true
	conn := s.conn

	recovery.Go(s.logger, "socket.tcp.read", func() {
		buf := make([]byte, ReadChunk)
		n, err := conn.Read(buf)
		s.loop.Post(func() {
			s.reading = false
			if n > 0 {
				s.received(buf[:n])
			}
			if s.Disposed() {
				return
			}
			if err != nil {
				s.die(err)
				return
			}
			s.startReceiving()
		})
	})
}

func (s *TCP) startSending() {
	if s.writing || s.Disposed() || s.conn == nil || s.out.Len() == 0 {
		return
	}
	s.writing = true
	conn := s.conn
	chunk := make([]byte, s.out.Len())
	copy(chunk, s.out.Bytes())

	recovery.Go(s.logger, "socket.tcp.write", func() {
		n, err := conn.Write(chunk)
		s.loop.Post(func() {
			s.writing = false
			if s.Disposed() {
				return
			}
			s.sent(n)
			if err != nil {
				s.die(err)
				return
			}
			if s.out.Len() > 0 {
				s.startSending()
				return
			}
			s.drained()
		})
	})
}

func (s *TCP) sending() bool { return s.writing }

func (s *TCP) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

var _ Socket = (*TCP)(nil)
