package socket

import (
	"log/slog"
	"net"

	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/tunnel"
)

// Factory creates sockets bound to one loop and tunnel service.
type Factory struct {
	Loop      tunnel.Poster
	Service   Registrar
	Transport tunnel.Transport

	// Dialer is used for outbound TCP; nil uses net.Dialer.
	Dialer Dialer

	Logger *slog.Logger
}

// Tunnel returns an unconnected tunnel socket for flow.
func (f *Factory) Tunnel(flow uint16, name string) Socket {
	return NewTunnel(f.Loop, f.Service, f.Transport, flow, f.logger(name), name)
}

// TCP returns an unconnected TCP socket.
func (f *Factory) TCP(name string) Socket {
	return NewTCP(f.Loop, f.Dialer, f.logger(name), name)
}

// AcceptedTCP wraps an accepted connection.
func (f *Factory) AcceptedTCP(conn net.Conn, name string) Socket {
	return NewAcceptedTCP(f.Loop, conn, f.logger(name), name)
}

func (f *Factory) logger(name string) *slog.Logger {
	l := f.Logger
	if l == nil {
		l = logging.NopLogger()
	}
	return l.With(logging.KeySocket, name)
}
