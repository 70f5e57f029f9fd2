// Package tunnel carries proxied byte streams between two peers over UDP.
//
// A Transport creates non-blocking connections and readiness pollers in the
// style of an epoll API: Send and Recv never block and report ErrWouldBlock
// when they cannot make progress, and a Poller reports which handles have
// become readable or writable. Service runs the poller on its own goroutine
// and turns readiness into one-shot callbacks posted to the I/O loop.
package tunnel

import (
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrWouldBlock is returned by Send and Recv when the operation cannot
	// proceed without blocking. It is not a failure.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned for operations on a closed connection or poller.
	ErrClosed = errors.New("tunnel closed")

	// ErrHandshakeTimeout is reported when the peer's hello does not arrive
	// within the connect timeout.
	ErrHandshakeTimeout = errors.New("tunnel handshake timed out")

	// ErrBadHello is reported when the first bytes from the peer are not a
	// tunnel hello.
	ErrBadHello = errors.New("unexpected tunnel hello")

	// ErrPeerTimeout is reported when nothing, not even a keepalive, has
	// arrived from the peer within the idle timeout.
	ErrPeerTimeout = errors.New("tunnel peer timed out")

	// ErrBadFrame is reported when the peer sends a malformed frame.
	ErrBadFrame = errors.New("malformed tunnel frame")

	// ErrPortInUse is returned when a local port already carries a tunnel to
	// the same remote address.
	ErrPortInUse = errors.New("tunnel already exists for local port and peer")
)

// Handle identifies a connection to a Poller.
type Handle uint32

// Direction selects which readiness a registration waits for.
type Direction uint8

const (
	Receive Direction = 1 << iota
	Send
)

// String returns "receive", "send" or "receive|send".
func (d Direction) String() string {
	switch d {
	case Receive:
		return "receive"
	case Send:
		return "send"
	case Receive | Send:
		return "receive|send"
	default:
		return "none"
	}
}

// Conn is one non-blocking tunnel endpoint.
type Conn interface {
	// Handle returns the identifier used with a Poller.
	Handle() Handle

	// LocalPort returns the bound UDP port.
	LocalPort() uint16

	// Recv copies received bytes into b. It returns ErrWouldBlock when
	// nothing is buffered and any other error once the connection failed.
	// After the peer closes, buffered bytes are returned before io.EOF.
	Recv(b []byte) (int, error)

	// Send queues bytes from b and returns how many were accepted. It returns
	// ErrWouldBlock while connecting or when the send buffer is full.
	Send(b []byte) (int, error)

	// Err returns the error that failed the connection, or nil.
	Err() error

	// Close releases the connection and tells the peer, which then sees
	// io.EOF. It is safe to call more than once.
	Close() error
}

// Transport opens rendezvous connections. Both peers call Connect toward each
// other; neither listens.
type Transport interface {
	// Connect binds localPort (0 picks an ephemeral port) and starts a
	// rendezvous with raddr. flow distinguishes tunnels that share a port
	// pair. The returned Conn becomes writable once connected, or readable and
	// writable with Err set once the attempt failed.
	Connect(localPort uint16, raddr netip.AddrPort, flow uint16) (Conn, error)

	// NewPoller creates a readiness poller for this transport's connections.
	NewPoller() (Poller, error)

	// Close closes every connection the transport created.
	Close() error
}

// Poller reports readiness for a set of registered handles.
type Poller interface {
	// Add registers interest in dir for h. Repeated calls accumulate
	// directions.
	Add(h Handle, dir Direction) error

	// Remove drops every direction registered for h.
	Remove(h Handle) error

	// Wait blocks until a registered handle is ready, Wake is called or the
	// timeout expires. It returns the handles ready for each direction.
	Wait(timeout time.Duration) (readable, writable []Handle, err error)

	// Wake interrupts a blocked Wait.
	Wake()

	// Close releases the poller; a blocked Wait returns ErrClosed.
	Close() error
}
