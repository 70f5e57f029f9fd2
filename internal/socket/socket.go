// Package socket wraps TCP connections and tunnel connections in one
// lifecycle: Unconnected, Connecting, Connected and finally Disposed.
//
// Sockets are owned by the I/O loop. Every method must be called from the
// loop goroutine, and every completion from a blocking goroutine or the tunnel
// service is posted back to the loop before it touches socket state. Once a
// socket is disposed it ignores all further events.
package socket

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/postalsys/pwnat/internal/logging"
)

// ReadChunk is the most a socket reads per readiness event.
const ReadChunk = 64 * 1024

// ErrNotUnconnected is returned by Connect on a socket that has already
// started connecting, is connected or is disposed.
var ErrNotUnconnected = errors.New("socket is not unconnected")

// State is a socket's lifecycle state.
type State int

const (
	Unconnected State = iota
	Connecting
	Connected
	Disposed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// DataHandler receives a socket's whole inbound buffer whenever bytes arrive.
// It consumes what it used; the rest is presented again with the next bytes.
type DataHandler func(in *Buffer)

// Sink accepts bytes and drains them asynchronously.
type Sink interface {
	Send(p []byte)
}

// Stats counts bytes moved by a socket.
type Stats struct {
	BytesIn  uint64
	BytesOut uint64
}

// Socket is the capability set shared by TCP and tunnel sockets.
type Socket interface {
	Sink

	// Name identifies the socket in logs.
	Name() string

	// Init must be called once before anything else. A socket created
	// around an open connection announces itself as connected here.
	Init()

	// Connect starts connecting. Failure is reported through the death
	// handler, not the return value, which is only ErrNotUnconnected.
	Connect(localPort uint16, addr netip.Addr, port uint16) error

	// OnData replaces the inbound handler. A nil handler leaves bytes
	// buffered. If bytes are already buffered, h runs immediately.
	OnData(h DataHandler)

	// OnConnected runs h once the socket is connected, immediately if it
	// already is.
	OnConnected(h func())

	// OnDeath sets the handler run once when the socket fails.
	OnDeath(h func(err error))

	// PipeFrom forwards every byte src receives into this socket.
	PipeFrom(src Socket)

	// Shutdown disposes the socket once queued outbound bytes are written.
	Shutdown()

	State() State
	Connected() bool
	Disposed() bool

	// Dispose releases the socket. It reports whether this call did it.
	Dispose() bool

	LocalPort() uint16
	Stats() Stats
}

// driver is the transport-specific half of a socket.
type driver interface {
	// startReceiving arms a read unless one is in flight.
	startReceiving()
	// startSending arms a write of the outbound buffer unless one is in
	// flight.
	startSending()
	// sending reports whether a write is in flight.
	sending() bool
	// release frees the transport. Called once, from Dispose.
	release()
}

// managed holds the lifecycle shared by every socket.
type managed struct {
	name   string
	logger *slog.Logger
	driver driver

	state       State
	initialized bool
	announced   bool
	closing     bool

	in  Buffer
	out Buffer

	onData      DataHandler
	onConnected []func()
	onDeath     func(error)

	stats Stats
}

func (m *managed) setup(name string, logger *slog.Logger, d driver, state State) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m.name = name
	m.logger = logger.With(logging.KeySocket, name)
	m.driver = d
	m.state = state
}

func (m *managed) Name() string { return m.name }

func (m *managed) State() State { return m.state }

func (m *managed) Connected() bool { return m.state == Connected }

func (m *managed) Disposed() bool { return m.state == Disposed }

func (m *managed) Stats() Stats { return m.stats }

func (m *managed) Init() {
	if m.initialized || m.Disposed() {
		return
	}
	m.initialized = true
	if m.state == Connected {
		m.notifyConnected()
	}
}

// beginConnect moves Unconnected to Connecting.
func (m *managed) beginConnect() error {
	if m.state != Unconnected {
		return ErrNotUnconnected
	}
	m.state = Connecting
	return nil
}

func (m *managed) Send(p []byte) {
	if m.Disposed() || m.closing || len(p) == 0 {
		return
	}
	m.out.Append(p)
	if m.Connected() {
		m.driver.startSending()
	}
}

func (m *managed) OnData(h DataHandler) {
	if m.Disposed() {
		return
	}
	m.onData = h
	if h != nil && m.in.Len() > 0 {
		h(&m.in)
	}
}

func (m *managed) OnConnected(h func()) {
	if m.Disposed() || h == nil {
		return
	}
	if m.announced {
		h()
		return
	}
	m.onConnected = append(m.onConnected, h)
}

func (m *managed) OnDeath(h func(error)) {
	if m.Disposed() {
		return
	}
	m.onDeath = h
}

// PipeFrom makes this socket the sink for src's inbound bytes. It replaces
// any handler src had.
func (m *managed) PipeFrom(src Socket) {
	if m.Disposed() {
		return
	}
	src.OnData(func(in *Buffer) {
		m.Send(in.Bytes())
		in.Consume(in.Len())
	})
}

func (m *managed) Shutdown() {
	if m.Disposed() {
		return
	}
	m.closing = true
	if m.out.Len() == 0 && !m.driver.sending() {
		m.Dispose()
	}
}

func (m *managed) Dispose() bool {
	if m.Disposed() {
		return false
	}
	m.state = Disposed
	m.onData = nil
	m.onConnected = nil
	m.onDeath = nil
	m.in.Reset()
	m.out.Reset()
	m.driver.release()
	return true
}

// notifyConnected marks the socket connected and runs the connected
// handlers. Later calls do nothing.
func (m *managed) notifyConnected() {
	if m.Disposed() || m.announced {
		return
	}
	m.state = Connected
	m.announced = true

	handlers := m.onConnected
	m.onConnected = nil
	for _, h := range handlers {
		h()
		if m.Disposed() {
			return
		}
	}

	m.driver.startReceiving()
	if m.out.Len() > 0 {
		m.driver.startSending()
	}
}

// received appends p to the inbound buffer and notifies the handler.
func (m *managed) received(p []byte) {
	if m.Disposed() {
		return
	}
	m.stats.BytesIn += uint64(len(p))
	m.in.Append(p)
	if m.onData != nil {
		m.onData(&m.in)
	}
}

// sent consumes n written bytes.
func (m *managed) sent(n int) {
	m.stats.BytesOut += uint64(n)
	m.out.Consume(n)
}

// drained is called when a write completes with nothing left to write.
func (m *managed) drained() {
	if m.closing && m.out.Len() == 0 {
		m.Dispose()
	}
}

// die disposes the socket and reports err to the death handler.
func (m *managed) die(err error) {
	if m.Disposed() {
		return
	}
	if IsClosure(err) {
		m.logger.Debug("socket closed", logging.KeyError, err)
	} else {
		m.logger.Info("socket failed", logging.KeyError, err)
	}

	h := m.onDeath
	m.Dispose()
	if h != nil {
		h(err)
	}
}

// IsClosure reports whether a death error is an orderly close rather than a
// failure.
func IsClosure(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
