// Package server implements the rendezvous side of pwnat.
//
// The server keeps an echo request in flight toward an address nobody
// answers, which opens an ICMP mapping in its own NAT. Clients forge the
// Time Exceeded reply a router on that path would send. Every valid signal
// names a client address, flow id and client UDP port, and the server answers
// by dialing a tunnel back to exactly that endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/postalsys/pwnat/internal/icmp"
	"github.com/postalsys/pwnat/internal/logging"
	"github.com/postalsys/pwnat/internal/metrics"
	"github.com/postalsys/pwnat/internal/packet"
	"github.com/postalsys/pwnat/internal/reactor"
	"github.com/postalsys/pwnat/internal/recovery"
	"github.com/postalsys/pwnat/internal/socket"
)

// Session key modes.
const (
	KeyFull    = "full"
	KeyFlow    = "flow"
	KeyAddress = "address"
)

// DefaultResolveTimeout bounds a session's remote host lookup.
const DefaultResolveTimeout = 10 * time.Second

// ICMPConn is the raw socket the registry probes and listens on.
type ICMPConn interface {
	WriteTo(msg []byte, dst netip.Addr) error
	ReadFrom(b []byte) (int, netip.Addr, error)
	Close() error
}

// Resolver maps a remote host to an address.
type Resolver interface {
	Resolve(ctx context.Context, host string, port uint16) (netip.AddrPort, error)
}

// Sockets creates the sockets a session owns.
type Sockets interface {
	Tunnel(flow uint16, name string) socket.Socket
	TCP(name string) socket.Socket
}

// Config configures a Registry.
type Config struct {
	Family    packet.Family
	ProxyPort uint16

	// EchoDestination is where the probe is sent and what signals must
	// name. The zero value selects the family default.
	EchoDestination netip.Addr

	// Interval is the probe period; zero uses icmp.DefaultInterval.
	Interval time.Duration

	// KeyMode selects which ClientID fields identify a session.
	KeyMode string

	// MaxSessions caps concurrent sessions; zero is unlimited.
	MaxSessions int

	// SessionRate limits new sessions per second; zero is unlimited.
	SessionRate  float64
	SessionBurst int

	ResolveTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Registry tracks one session per client. All methods except Start's
// background receiver run on the loop.
type Registry struct {
	cfg      Config
	loop     *reactor.Loop
	conn     ICMPConn
	sockets  Sockets
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	probe    []byte

	sessions map[packet.ClientID]*session
	ticker   *reactor.Ticker
	stopped  bool
}

// New creates a registry. conn must already be open for cfg.Family.
func New(cfg Config, loop *reactor.Loop, conn ICMPConn, sockets Sockets, resolver Resolver) *Registry {
	if !cfg.EchoDestination.IsValid() {
		cfg.EchoDestination = icmp.DefaultEchoDestination(cfg.Family)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = icmp.DefaultInterval
	}
	if cfg.KeyMode == "" {
		cfg.KeyMode = KeyFull
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SessionRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SessionRate), max(cfg.SessionBurst, 1))
	}

	return &Registry{
		cfg:      cfg,
		loop:     loop,
		conn:     conn,
		sockets:  sockets,
		resolver: resolver,
		logger:   cfg.Logger.With(logging.KeyComponent, "server"),
		metrics:  cfg.Metrics,
		limiter:  limiter,
		probe:    packet.BuildEchoProbe(cfg.Family, 0, 0),
		sessions: make(map[packet.ClientID]*session),
	}
}

// Start sends the first probe, schedules the rest and starts the ICMP
// receiver. It must be called on the loop.
func (r *Registry) Start() {
	r.logger.Info("listening for signals",
		logging.KeyLocalPort, r.cfg.ProxyPort,
		"echo_destination", r.cfg.EchoDestination,
		"family", r.cfg.Family)

	r.sendProbe()
	r.ticker = r.loop.Every(r.cfg.Interval, r.sendProbe)

	recovery.Go(r.logger, "server.icmp.receive", r.receiveLoop)
}

// Stop closes the ICMP socket and tears down every session. It must be
// called on the loop.
func (r *Registry) Stop() {
	if r.stopped {
		return
	}
	r.stopped = true
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.conn.Close()

	for _, s := range r.sessions {
		s.close(errRegistryStopped)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Sessions returns the ids of live sessions.
func (r *Registry) Sessions() []packet.ClientID {
	ids := make([]packet.ClientID, 0, len(r.sessions))
	for _, s := range r.sessions {
		ids = append(ids, s.id)
	}
	return ids
}

var errRegistryStopped = errors.New("server stopped")

func (r *Registry) sendProbe() {
	if r.stopped {
		return
	}
	if err := r.conn.WriteTo(r.probe, r.cfg.EchoDestination); err != nil {
		r.metrics.RecordICMPSendError()
		r.logger.Warn("failed to send echo probe",
			logging.KeyAddress, r.cfg.EchoDestination,
			logging.KeyError, err)
		return
	}
	r.metrics.RecordProbeSent()
}

// receiveLoop reads datagrams until the socket is closed and hands each one
// to the loop.
func (r *Registry) receiveLoop() {
	buf := make([]byte, icmp.MaxDatagram)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("icmp receive failed", logging.KeyError, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		if !r.loop.Post(func() { r.HandleDatagram(datagram, from) }) {
			return
		}
	}
}

// HandleDatagram processes one received ICMP datagram. Anything that is not
// a well-formed signal is dropped.
func (r *Registry) HandleDatagram(raw []byte, from netip.Addr) {
	if r.stopped {
		return
	}

	id, ok := packet.ParseTTLExceeded(raw, from.Unmap(), r.cfg.Family, r.cfg.EchoDestination)
	if !ok {
		r.metrics.RecordSignal(metrics.SignalMalformed)
		return
	}

	key := r.keyFor(id)
	if _, exists := r.sessions[key]; exists {
		r.metrics.RecordSignal(metrics.SignalDuplicate)
		return
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.metrics.RecordSignal(metrics.SignalLimit)
		r.logger.Warn("session limit reached", logging.KeyClientID, id.String(), logging.KeyCount, len(r.sessions))
		return
	}
	if !r.limiter.Allow() {
		r.metrics.RecordSignal(metrics.SignalRateLimited)
		r.logger.Debug("session rate limited", logging.KeyClientID, id.String())
		return
	}

	r.metrics.RecordSignal(metrics.SignalAccepted)
	s := newSession(r, key, id)
	r.sessions[key] = s
	r.metrics.RecordSessionOpen()
	s.start()
}

// keyFor reduces id to the fields the key mode compares.
func (r *Registry) keyFor(id packet.ClientID) packet.ClientID {
	switch r.cfg.KeyMode {
	case KeyAddress:
		return packet.ClientID{Address: id.Address}
	case KeyFlow:
		return packet.ClientID{Address: id.Address, FlowID: id.FlowID}
	default:
		return id
	}
}

// remove erases the session stored under key if it is still s.
func (r *Registry) remove(key packet.ClientID, s *session) {
	if r.sessions[key] == s {
		delete(r.sessions, key)
		r.metrics.RecordSessionClose()
	}
}
